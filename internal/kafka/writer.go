// Package kafka relays committed group messages to a Kafka topic for
// downstream consumers (search indexing, notifications).
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	k "github.com/segmentio/kafka-go"

	"crew-chat-service/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...k.Message) error
	Close() error
}

type Writer struct {
	w MessageWriter
}

// NewWriter builds an async hash-partitioned writer for topic.
func NewWriter(brokers []string, topic string) *Writer {
	return &Writer{w: &k.Writer{
		Addr:         k.TCP(brokers...),
		Topic:        topic,
		Balancer:     &k.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: k.RequireOne,
		Async:        true,
	}}
}

func (w *Writer) Close() error { return w.w.Close() }

// Relay implements hub.Relay. Only message_committed is forwarded; keys are
// group ids so one group's messages stay on one partition, in order.
func (w *Writer) Relay(ctx context.Context, ev models.GroupEvent) error {
	if ev.Type != models.EventMessageCommitted || ev.Message == nil {
		return nil
	}
	value, err := json.Marshal(ev.Message)
	if err != nil {
		return err
	}
	return w.w.WriteMessages(ctx, k.Message{
		Key:   []byte(strconv.FormatInt(ev.GroupID, 10)),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []k.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
}
