package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"purchase-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishOrderCreated(t *testing.T) {
	w := &fakeWriter{}
	producer := newProducer(w)
	publisher := NewEventPublisher(producer)

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		OrderID: 7,
		UserID:  3,
		Total:   decimal.RequireFromString("30.00"),
		Lines: []models.OrderLineData{
			{ProductID: 1, Price: decimal.RequireFromString("10.00")},
			{ProductID: 2, Price: decimal.RequireFromString("20.00")},
		},
	}

	require.NoError(t, publisher.PublishOrderCreated(context.Background(), event))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "user-3", string(w.messages[0].Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, "ORDER_CREATED", decoded["event_type"])
	assert.Equal(t, "30", decoded["total"])
	assert.Len(t, decoded["lines"], 2)

	require.NoError(t, producer.Close())
	assert.True(t, w.closed)
}

func TestPublishEvent_WriteError(t *testing.T) {
	producer := newProducer(&fakeWriter{err: errors.New("leader not available")})

	err := producer.PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	assert.ErrorContains(t, err, "leader not available")
}
