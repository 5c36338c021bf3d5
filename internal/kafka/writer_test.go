package kafka

import (
	"context"
	"encoding/json"
	"testing"

	k "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/models"
)

type recordingWriter struct {
	msgs []k.Message
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...k.Message) error {
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { return nil }

func TestRelayForwardsCommittedMessagesOnly(t *testing.T) {
	rec := &recordingWriter{}
	w := &Writer{w: rec}
	ctx := context.Background()

	require.NoError(t, w.Relay(ctx, models.GroupEvent{Type: models.EventPresenceJoin, GroupID: 3}))
	require.NoError(t, w.Relay(ctx, models.GroupEvent{Type: models.EventGroupUpdated, GroupID: 3}))
	require.Empty(t, rec.msgs)

	msg := models.Message{ID: "01H", GroupID: 3, SenderID: 1, Content: "hi", Sequence: 9}
	require.NoError(t, w.Relay(ctx, models.GroupEvent{Type: models.EventMessageCommitted, GroupID: 3, Message: &msg}))
	require.Len(t, rec.msgs, 1)
	require.Equal(t, "3", string(rec.msgs[0].Key))

	var decoded models.Message
	require.NoError(t, json.Unmarshal(rec.msgs[0].Value, &decoded))
	require.Equal(t, int64(9), decoded.Sequence)
}
