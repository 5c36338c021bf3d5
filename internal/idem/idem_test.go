package idem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/models"
)

func TestMemoryStoreRemembersFirstCommit(t *testing.T) {
	s := NewMemory().(*memoryStore)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := s.Lookup(ctx, 1, 2, "abc")
	require.NoError(t, err)
	require.False(t, ok)

	first := models.Message{ID: "A", GroupID: 1, SenderID: 2, ClientMsgID: "abc", Sequence: 4}
	require.NoError(t, s.Remember(ctx, first, time.Minute))
	require.NoError(t, s.Remember(ctx, models.Message{ID: "B", GroupID: 1, SenderID: 2, ClientMsgID: "abc", Sequence: 5}, time.Minute))

	got, ok, err := s.Lookup(ctx, 1, 2, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", got.ID)

	// Keys are scoped by sender.
	_, ok, err = s.Lookup(ctx, 1, 3, "abc")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Lookup(ctx, 1, 2, "abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyFormat(t *testing.T) {
	require.Equal(t, "idem:group:1:sender:2:abc", key(1, 2, "abc"))
}
