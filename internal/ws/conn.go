package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crew-chat-service/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

// Conn adapts a gorilla websocket connection to session.Conn. Writes are
// serialized; a ping keeps idle connections alive and detects half-open ones.
type Conn struct {
	ws *websocket.Conn

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(raw *websocket.Conn) *Conn {
	c := &Conn{ws: raw, done: make(chan struct{})}
	raw.SetReadLimit(maxFrameSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	return c
}

// Send writes one envelope as a JSON text frame.
func (c *Conn) Send(ctx context.Context, env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close sends a close frame and tears the connection down. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) read(frame *models.ClientFrame) error {
	if err := c.ws.ReadJSON(frame); err != nil {
		return err
	}
	return c.ws.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
