// Package ws carries ChannelSessions over gorilla websocket connections.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/middleware"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
	"crew-chat-service/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionWebSocketHandler upgrades authenticated requests and runs one
// session per connection.
type SessionWebSocketHandler struct {
	sessions *session.Registry
	auth     middleware.Authenticator
	log      zerolog.Logger
}

// NewSessionWebSocketHandler constructs a SessionWebSocketHandler.
func NewSessionWebSocketHandler(sessions *session.Registry, auth middleware.Authenticator, log zerolog.Logger) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{sessions: sessions, auth: auth, log: log.With().Str("component", "ws").Logger()}
}

// Handle serves GET /ws?token=&session_id=.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("crew-chat-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token", "kind": errs.Kind(errs.ErrUnauthenticated)})
		return
	}
	userID, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": "invalid token", "kind": errs.Kind(err)})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	connCtx := context.WithoutCancel(ctx)
	observability.IncWSActive(wsKind)
	publishWSEvent(connCtx, info, "ws_connect", "")
	go h.serve(connCtx, newConn(raw), info, c.Query("session_id"))
}

func (h *SessionWebSocketHandler) serve(ctx context.Context, conn *Conn, info ConnInfo, sessionID string) {
	var reason string
	defer func() {
		observability.DecWSActive(wsKind)
		publishWSEvent(ctx, info, "ws_disconnect", reason)
		_ = conn.Close()
	}()

	var (
		s   *session.Session
		err error
	)
	if sessionID != "" {
		s, err = h.sessions.Resume(ctx, sessionID, info.UserID, conn)
	} else {
		s, err = h.sessions.Open(ctx, info.UserID, conn)
	}
	if s != nil {
		info.SessionID = s.ID
	}
	if err != nil {
		reason = err.Error()
		h.log.Warn().Err(err).Int64("user_id", info.UserID).Msg("session attach failed")
		_ = conn.Send(ctx, errorEnvelope("", err))
		return
	}

	log := h.log.With().Str("session_id", s.ID).Str("conn_id", info.ConnID).Logger()
	for {
		var frame models.ClientFrame
		if err := conn.read(&frame); err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, info, "ws_error", reason)
			}
			s.DetachFrom(conn, errs.Transient("read", err))
			return
		}
		if h.dispatch(ctx, log, s, frame) {
			reason = "client close"
			return
		}
	}
}

// dispatch runs one client frame and reports whether the client closed the session.
func (h *SessionWebSocketHandler) dispatch(ctx context.Context, log zerolog.Logger, s *session.Session, frame models.ClientFrame) bool {
	var err error
	switch frame.Op {
	case models.OpSubscribe:
		err = s.Subscribe(ctx, frame.GroupID, frame.Since, frame.Ref)
	case models.OpUnsubscribe:
		err = s.Unsubscribe(ctx, frame.GroupID, frame.Ref)
	case models.OpHeartbeat:
		s.Heartbeat(ctx)
		err = s.Reply(ctx, models.Envelope{Type: models.EnvelopeAck, Ref: frame.Ref})
	case models.OpSend:
		var msg models.Message
		msg, err = s.Send(ctx, frame.GroupID, frame.Content, frame.ClientMsgID)
		if err == nil {
			err = s.Reply(ctx, models.Envelope{Type: models.EnvelopeAck, Ref: frame.Ref, GroupID: frame.GroupID, Message: &msg})
		}
	case models.OpClose:
		h.sessions.Close(ctx, s.ID)
		return true
	default:
		err = errs.New(errs.ErrInvalidArgument, "unknown op %q", frame.Op)
	}

	if err != nil {
		log.Debug().Err(err).Str("op", frame.Op).Int64("group_id", frame.GroupID).Msg("client op failed")
		_ = s.Reply(ctx, errorEnvelope(frame.Ref, err))
	}
	return false
}

func errorEnvelope(ref string, err error) models.Envelope {
	return models.Envelope{
		Type:  models.EnvelopeError,
		Ref:   ref,
		Error: &models.ErrorDetail{Kind: errs.Kind(err), Message: err.Error()},
	}
}
