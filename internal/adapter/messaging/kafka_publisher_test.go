package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rl1809/rigstock/internal/core/domain"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishOrderEvent(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaPublisher(w)

	event := domain.OrderEvent{
		OrderID:    "o-1",
		CompanyID:  "acme",
		OldStatus:  domain.OrderStatusProcessing,
		NewStatus:  domain.OrderStatusShipped,
		Quantities: map[string]int{"cpu-1": 3},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, p.PublishOrderEvent(context.Background(), event))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "o-1", string(msg.Key))
	assert.Equal(t, event.OccurredAt, msg.Time)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "company-id", Value: []byte("acme")})

	var got domain.OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, event.NewStatus, got.NewStatus)
	assert.Equal(t, 3, got.Quantities["cpu-1"])
}

func TestPublishOrderEvent_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisher(&recordingWriter{err: boom})

	err := p.PublishOrderEvent(context.Background(), domain.OrderEvent{OrderID: "o-2"})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaWriter_DoesNotBlockRequests(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "orders", zap.NewNop())
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)
}

func TestLogDelivery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	done := logDelivery(zap.New(core))

	done([]kafka.Message{{Key: []byte("o-1")}}, nil)
	assert.Zero(t, logs.Len())

	done([]kafka.Message{{Key: []byte("o-1")}, {Key: []byte("o-2")}}, errors.New("broker down"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "deliver order events", entry.Message)
	assert.Equal(t, []interface{}{"o-1", "o-2"}, entry.ContextMap()["order_ids"])
}
