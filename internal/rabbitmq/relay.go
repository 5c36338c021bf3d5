package rabbitmq

import (
	"context"

	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
)

// GroupEventRelay mirrors hub events onto the topic exchange under
// "groups.<event type>" so other services can follow group activity.
type GroupEventRelay struct {
	publisher Publisher
	prefix    string
}

// NewGroupEventRelay wraps publisher; an empty prefix defaults to "groups".
func NewGroupEventRelay(publisher Publisher, prefix string) *GroupEventRelay {
	if prefix == "" {
		prefix = "groups"
	}
	return &GroupEventRelay{publisher: publisher, prefix: prefix}
}

// Relay implements hub.Relay. Presence traffic stays in process.
func (r *GroupEventRelay) Relay(ctx context.Context, ev models.GroupEvent) error {
	if ev.IsPresence() {
		return nil
	}
	err := r.publisher.Publish(ctx, r.prefix+"."+string(ev.Type), ev)
	if err != nil {
		observability.IncAMQPPublishError()
	}
	return err
}
