package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/directory"
	"crew-chat-service/internal/hub"
	"crew-chat-service/internal/idem"
	"crew-chat-service/internal/mocks"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/presence"
	"crew-chat-service/internal/repositories"
	"crew-chat-service/internal/stream"
)

type messageEnv struct {
	handler  *MessageHandler
	stream   *stream.Stream
	presence *presence.Registry
	groupID  int64
}

func newMessageEnv(t *testing.T, profiles stream.ProfileResolver) messageEnv {
	t.Helper()
	h := hub.NewHub(zerolog.Nop())
	dir := directory.New(repositories.NewMemoryGroupRepo(), h, zerolog.Nop(), directory.Options{})
	s := stream.New(repositories.NewMemoryGroupMessageRepo(), dir, h, zerolog.Nop(), stream.Options{PageSize: 2, Idempotency: idem.NewMemory()})
	p := presence.NewRegistry(h, time.Minute, zerolog.Nop())

	ctx := context.Background()
	g, err := dir.CreateGroup(ctx, 1, "crew", "")
	require.NoError(t, err)
	_, err = dir.AddMember(ctx, 1, g.ID, 2, models.RoleMember)
	require.NoError(t, err)

	return messageEnv{
		handler:  NewMessageHandler(s, p, dir, profiles, nil),
		stream:   s,
		presence: p,
		groupID:  g.ID,
	}
}

func (e messageEnv) do(t *testing.T, userID int64, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	e.handler.Register(r)

	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type historyBody struct {
	Messages []models.Message `json:"messages"`
	Oldest   int64            `json:"oldest"`
	Last     int64            `json:"last"`
}

func TestSendThenReadHistory(t *testing.T) {
	env := newMessageEnv(t, nil)

	for i := 1; i <= 5; i++ {
		w := env.do(t, 2, http.MethodPost, fmt.Sprintf("/groups/%d/messages", env.groupID), fmt.Sprintf(`{"content":"m%d"}`, i))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, 1, http.MethodGet, fmt.Sprintf("/groups/%d/messages?since=2", env.groupID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var body historyBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Messages, 3)
	require.Equal(t, int64(3), body.Messages[0].Sequence)
	require.Equal(t, int64(5), body.Messages[2].Sequence)
	require.Equal(t, int64(1), body.Oldest)
	require.Equal(t, int64(5), body.Last)
	require.Equal(t, models.SenderUnknown, body.Messages[0].Sender.Kind)
}

func TestSendMessageNonMemberForbidden(t *testing.T) {
	env := newMessageEnv(t, nil)

	w := env.do(t, 3, http.MethodPost, fmt.Sprintf("/groups/%d/messages", env.groupID), `{"content":"hi"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, 3, http.MethodGet, fmt.Sprintf("/groups/%d/messages", env.groupID), "")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	env := newMessageEnv(t, nil)

	w := env.do(t, 1, http.MethodPost, fmt.Sprintf("/groups/%d/messages", env.groupID), `{"content":"   "}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageClientMsgIDIsIdempotent(t *testing.T) {
	env := newMessageEnv(t, nil)
	path := fmt.Sprintf("/groups/%d/messages", env.groupID)

	first := env.do(t, 1, http.MethodPost, path, `{"content":"once","client_msg_id":"abc"}`)
	second := env.do(t, 1, http.MethodPost, path, `{"content":"once","client_msg_id":"abc"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b models.Message
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, int64(1), b.Sequence)
}

func TestHistoryRejectsNegativeSince(t *testing.T) {
	env := newMessageEnv(t, nil)

	w := env.do(t, 1, http.MethodGet, fmt.Sprintf("/groups/%d/messages?since=-1", env.groupID), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresenceHeartbeatAndSnapshot(t *testing.T) {
	profiles := new(mocks.ProfileResolverMock)
	profiles.On("Resolve", mock.Anything, []int64{2}).
		Return(map[int64]models.Profile{2: {Name: "bob"}}, nil)
	env := newMessageEnv(t, profiles)

	w := env.do(t, 2, http.MethodPost, fmt.Sprintf("/groups/%d/presence/heartbeat", env.groupID), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["joined"])

	w = env.do(t, 2, http.MethodPost, fmt.Sprintf("/groups/%d/presence/heartbeat", env.groupID), "")
	require.Equal(t, false, decodeBody(t, w)["joined"])

	w = env.do(t, 1, http.MethodGet, fmt.Sprintf("/groups/%d/presence", env.groupID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Online []models.PresenceEntry `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Online, 1)
	require.Equal(t, "bob", body.Online[0].Sender.Name)
}

func TestPresenceRequiresMembership(t *testing.T) {
	env := newMessageEnv(t, nil)

	w := env.do(t, 3, http.MethodPost, fmt.Sprintf("/groups/%d/presence/heartbeat", env.groupID), "")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, env.presence.Snapshot(context.Background(), env.groupID))
}
