// Package client is the reconnecting websocket client of a chat session.
//
// A Client keeps one server session alive across transport failures: it
// redials with exponential backoff, resumes the session by id and, when the
// server could not resume, subscribes every group again from the last
// sequence it delivered. Heartbeats are sent while connected so presence
// stays fresh.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateActive       = "active"
	StateClosed       = "closed"
)

const (
	defaultHeartbeat      = 10 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultBuffer         = 256
	writeWait             = 10 * time.Second
)

// ErrDisconnected is returned by operations issued while no transport is up.
var ErrDisconnected = errors.New("client disconnected")

// ServerError is an error frame returned for a client operation.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return e.Kind + ": " + e.Message
}

// Config tunes a Client. URL and Token are required.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://chat:8083/ws.
	URL   string
	Token string

	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// Buffer is the capacity of the Events channel.
	Buffer int

	Dialer *websocket.Dialer
	Log    zerolog.Logger
}

// Client holds one logical session and its subscriptions.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	events chan models.Envelope
	refs   atomic.Uint64

	mu        sync.Mutex
	state     string
	sessionID string
	conn      *websocket.Conn
	groups    map[int64]int64
	pending   map[string]chan models.Envelope
	closed    bool
	stop      context.CancelFunc

	writeMu sync.Mutex
}

// New constructs a Client. Nothing is dialed until Run.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "chat-client").Logger(),
		events:  make(chan models.Envelope, cfg.Buffer),
		state:   StateDisconnected,
		groups:  make(map[int64]int64),
		pending: make(map[string]chan models.Envelope),
	}
}

// Events delivers every server frame except acknowledgements. It is closed
// when Run returns.
func (c *Client) Events() <-chan models.Envelope {
	return c.events
}

// State returns the connection state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the server session, empty before the first connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastSeen returns the highest sequence delivered for groupID.
func (c *Client) LastSeen(groupID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.groups[groupID]
	return seq, ok
}

// Run connects and keeps the session connected until ctx is cancelled or
// Close is called. It returns the error that made reconnecting pointless,
// such as a rejected token.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	defer close(c.events)
	defer c.setState(StateClosed)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if c.isClosed() {
				return nil
			}
			return err
		}

		err = c.serve(ctx, conn)
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Str("session_id", c.SessionID()).Msg("connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrDisconnected)
		}
		target, err := c.target()
		if err != nil {
			return backoff.Permanent(err)
		}
		ws, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(errs.New(errs.ErrUnauthenticated, "handshake rejected with status %d", resp.StatusCode))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}
	return conn, nil
}

func (c *Client) target() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	if id := c.SessionID(); id != "" {
		q.Set("session_id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve runs one transport until it fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		c.mu.Lock()
		c.conn = nil
		if !c.closed {
			c.state = StateDisconnected
		}
		for ref, ch := range c.pending {
			close(ch)
			delete(c.pending, ref)
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var hello models.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	if hello.Type != models.EnvelopeSession {
		if hello.Error != nil {
			return &ServerError{Kind: hello.Error.Kind, Message: hello.Error.Message}
		}
		return fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	c.mu.Lock()
	c.sessionID = hello.SessionID
	c.conn = conn
	c.state = StateActive
	resubscribe := make(map[int64]int64, len(c.groups))
	if !hello.Resumed {
		for id, seq := range c.groups {
			resubscribe[id] = seq
		}
	}
	c.mu.Unlock()
	c.log.Info().Str("session_id", hello.SessionID).Bool("resumed", hello.Resumed).Msg("connected")

	if !c.emit(ctx, hello) {
		return ctx.Err()
	}

	// A fresh session knows nothing about our groups.
	for groupID, seq := range resubscribe {
		if err := c.write(c.subscribeFrame("", groupID, seq)); err != nil {
			return err
		}
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	interval := c.cfg.HeartbeatInterval
	if advertised := time.Duration(hello.HeartbeatMs) * time.Millisecond; advertised > 0 && advertised < interval {
		interval = advertised
	}
	go c.heartbeat(hbCtx, interval)

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if !c.handle(ctx, env) {
			return ctx.Err()
		}
	}
}

// handle tracks sequences and routes replies. It reports false when ctx ended.
func (c *Client) handle(ctx context.Context, env models.Envelope) bool {
	c.mu.Lock()
	switch env.Type {
	case models.EnvelopeMessage:
		if env.Message != nil {
			if last, ok := c.groups[env.GroupID]; ok && env.Message.Sequence > last {
				c.groups[env.GroupID] = env.Message.Sequence
			}
		}
	case models.EnvelopeGapExceeded:
		if _, ok := c.groups[env.GroupID]; ok {
			c.groups[env.GroupID] = 0
		}
	case string(models.EventGroupDeleted):
		delete(c.groups, env.GroupID)
	}
	var waiter chan models.Envelope
	if env.Ref != "" {
		waiter = c.pending[env.Ref]
		delete(c.pending, env.Ref)
	}
	c.mu.Unlock()

	if waiter != nil {
		waiter <- env
	}
	if env.Type == models.EnvelopeAck {
		return true
	}
	return c.emit(ctx, env)
}

func (c *Client) emit(ctx context.Context, env models.Envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(models.ClientFrame{Op: models.OpHeartbeat}); err != nil {
				return
			}
		}
	}
}

// Subscribe registers interest in groupID and, when connected, subscribes
// from the last delivered sequence. While disconnected the subscription is
// made on the next connect.
func (c *Client) Subscribe(ctx context.Context, groupID int64) error {
	c.mu.Lock()
	seq, ok := c.groups[groupID]
	if !ok {
		c.groups[groupID] = 0
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	_, err := c.request(ctx, func(ref string) models.ClientFrame {
		return c.subscribeFrame(ref, groupID, seq)
	})
	var serr *ServerError
	if errors.As(err, &serr) && serr.Kind == errs.Kind(errs.ErrPermissionDenied) {
		c.mu.Lock()
		delete(c.groups, groupID)
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe drops interest in groupID.
func (c *Client) Unsubscribe(ctx context.Context, groupID int64) error {
	c.mu.Lock()
	delete(c.groups, groupID)
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	_, err := c.request(ctx, func(ref string) models.ClientFrame {
		return models.ClientFrame{Op: models.OpUnsubscribe, Ref: ref, GroupID: groupID}
	})
	return err
}

// Send posts content to groupID and returns the committed message.
func (c *Client) Send(ctx context.Context, groupID int64, content, clientMsgID string) (models.Message, error) {
	env, err := c.request(ctx, func(ref string) models.ClientFrame {
		return models.ClientFrame{Op: models.OpSend, Ref: ref, GroupID: groupID, Content: content, ClientMsgID: clientMsgID}
	})
	if err != nil {
		return models.Message{}, err
	}
	if env.Message == nil {
		return models.Message{}, fmt.Errorf("ack without message")
	}
	return *env.Message, nil
}

// Close ends the server session and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	conn, stop := c.conn, c.stop
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = c.write(models.ClientFrame{Op: models.OpClose})
		_ = conn.Close()
	}
	if stop != nil {
		stop()
	}
	return err
}

func (c *Client) subscribeFrame(ref string, groupID, seq int64) models.ClientFrame {
	frame := models.ClientFrame{Op: models.OpSubscribe, Ref: ref, GroupID: groupID}
	if seq > 0 {
		since := seq
		frame.Since = &since
	}
	return frame
}

func (c *Client) request(ctx context.Context, build func(ref string) models.ClientFrame) (models.Envelope, error) {
	ref := strconv.FormatUint(c.refs.Add(1), 10)
	reply := make(chan models.Envelope, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return models.Envelope{}, ErrDisconnected
	}
	c.pending[ref] = reply
	c.mu.Unlock()

	if err := c.write(build(ref)); err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return models.Envelope{}, err
	}

	select {
	case env, ok := <-reply:
		if !ok {
			return models.Envelope{}, ErrDisconnected
		}
		if env.Type == models.EnvelopeError && env.Error != nil {
			return env, &ServerError{Kind: env.Error.Kind, Message: env.Error.Message}
		}
		return env, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return models.Envelope{}, ctx.Err()
	}
}

func (c *Client) write(frame models.ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.state = StateClosed
		return
	}
	c.state = state
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
