package models

// Envelope types sent to a connected client in addition to the GroupEvent types.
const (
	EnvelopeSession      = "session"
	EnvelopeSubscribed   = "subscribed"
	EnvelopeUnsubscribed = "unsubscribed"
	EnvelopeMessage      = "message"
	EnvelopeAck          = "ack"
	EnvelopeGapExceeded  = "gap_exceeded"
	EnvelopeError        = "error"
)

// Client operations accepted over a session connection.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpHeartbeat   = "heartbeat"
	OpSend        = "send"
	OpClose       = "close"
)

// Envelope is one server-to-client frame of a ChannelSession.
type Envelope struct {
	Type             string           `json:"type"`
	Ref              string           `json:"ref,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	Resumed          bool             `json:"resumed,omitempty"`
	HeartbeatMs      int64            `json:"heartbeat_ms,omitempty"`
	GroupID          int64            `json:"group_id,omitempty"`
	LastSeen         int64            `json:"last_seen,omitempty"`
	Group            *Group           `json:"group,omitempty"`
	Message          *Message         `json:"message,omitempty"`
	Membership       *Membership      `json:"membership,omitempty"`
	Action           MembershipAction `json:"action,omitempty"`
	Presence         *PresenceEntry   `json:"presence,omitempty"`
	PresenceSnapshot []PresenceEntry  `json:"presence_snapshot,omitempty"`
	Error            *ErrorDetail     `json:"error,omitempty"`
}

// ErrorDetail reports a failed client operation.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ClientFrame is one client-to-server frame of a ChannelSession.
type ClientFrame struct {
	Op          string `json:"op"`
	Ref         string `json:"ref,omitempty"`
	GroupID     int64  `json:"group_id,omitempty"`
	Since       *int64 `json:"since,omitempty"`
	Content     string `json:"content,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// EnvelopeFromEvent converts a topic event into the frame delivered to clients.
func EnvelopeFromEvent(ev GroupEvent) Envelope {
	env := Envelope{
		Type:       string(ev.Type),
		GroupID:    ev.GroupID,
		Group:      ev.Group,
		Message:    ev.Message,
		Membership: ev.Membership,
		Action:     ev.Action,
		Presence:   ev.Presence,
	}
	if ev.Type == EventMessageCommitted {
		env.Type = EnvelopeMessage
	}
	return env
}
