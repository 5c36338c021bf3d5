package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crew-chat-service/internal/models"
)

// PublisherMock stands in for the AMQP publisher.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// EventSinkMock records group events handed to a hub-style publisher.
type EventSinkMock struct {
	mock.Mock
}

func (m *EventSinkMock) Publish(ctx context.Context, ev models.GroupEvent) {
	m.Called(ctx, ev)
}
