package infrastructure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"engage_inbound/internal/entities"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *recordingAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *recordingAcker) Reject(uint64, bool) error { return nil }

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	messages []amqp.Publishing
	err      error
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.messages = append(p.messages, msg)
	return nil
}

func newTestConsumer(handler PayloadHandler) *BrokerConsumer {
	return NewBrokerConsumer(BrokerConsumerConfig{
		Queue:           "whatsapp.inbound",
		HandlerTimeout:  time.Second,
		MaxRedeliveries: 3,
		RetryDelay:      time.Millisecond,
	}, handler, zerolog.Nop())
}

func failingHandler(context.Context, []byte, entities.TransportHints) error {
	return errors.New("tenant not found")
}

func TestBrokerConsumer_AcksHandledDelivery(t *testing.T) {
	var gotBody []byte
	var gotHints entities.TransportHints
	consumer := newTestConsumer(func(_ context.Context, raw []byte, hints entities.TransportHints) error {
		gotBody, gotHints = raw, hints
		return nil
	})
	acker := &recordingAcker{}

	consumer.process(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{"type":"messages.upsert"}`),
		Headers:      amqp.Table{"instanceId": "inst-1"},
	})

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
	assert.JSONEq(t, `{"type":"messages.upsert"}`, string(gotBody))
	assert.Equal(t, "inst-1", gotHints.InstanceID)
	assert.Equal(t, entities.OriginBroker, gotHints.Origin)
}

func TestBrokerConsumer_RequeuesRecoverableFailure(t *testing.T) {
	consumer := newTestConsumer(func(context.Context, []byte, entities.TransportHints) error {
		return errors.New("database unavailable")
	})
	acker := &recordingAcker{}

	consumer.process(context.Background(), amqp.Delivery{Acknowledger: acker})

	assert.Zero(t, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}

func TestBrokerConsumer_RepublishesWithAttemptCount(t *testing.T) {
	consumer := newTestConsumer(failingHandler)
	publisher := &recordingPublisher{}
	consumer.publisher = publisher
	acker := &recordingAcker{}

	consumer.process(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		RoutingKey:   "whatsapp.messages.upsert",
		MessageId:    "m-1",
		Body:         []byte(`{}`),
		Headers:      amqp.Table{"instanceId": "inst-1"},
	})

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "whatsapp.inbound", publisher.keys[0])
	retry := publisher.messages[0]
	assert.Equal(t, int32(1), retry.Headers[retryCountHeader])
	assert.Equal(t, "inst-1", retry.Headers["instanceId"])
	assert.Equal(t, "m-1", retry.MessageId)

	// The retry keeps the original routing facts.
	hints := DeliveryHints(amqp.Delivery{RoutingKey: "whatsapp.inbound", Headers: retry.Headers})
	assert.Equal(t, "whatsapp.messages.upsert", hints.EventType)
	assert.Equal(t, 1, deliveryAttempts(amqp.Delivery{Headers: retry.Headers}))
}

func TestBrokerConsumer_RejectsAfterRedeliveryLimit(t *testing.T) {
	consumer := newTestConsumer(failingHandler)
	publisher := &recordingPublisher{}
	consumer.publisher = publisher

	for _, headers := range []amqp.Table{
		{retryCountHeader: int32(2)},
		{"x-delivery-count": int64(5)},
	} {
		acker := &recordingAcker{}
		consumer.process(context.Background(), amqp.Delivery{Acknowledger: acker, Headers: headers})

		assert.Zero(t, acker.acks)
		assert.Equal(t, 1, acker.nacks)
		assert.False(t, acker.requeue)
	}
	assert.Empty(t, publisher.messages)
}

func TestBrokerConsumer_RequeuesWhenRepublishFails(t *testing.T) {
	consumer := newTestConsumer(failingHandler)
	consumer.publisher = &recordingPublisher{err: errors.New("channel closed")}
	acker := &recordingAcker{}

	consumer.process(context.Background(), amqp.Delivery{Acknowledger: acker})

	assert.Zero(t, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}

func TestBrokerConsumer_ShutdownHandsDeliveryBack(t *testing.T) {
	consumer := NewBrokerConsumer(BrokerConsumerConfig{Queue: "whatsapp.inbound", RetryDelay: time.Hour}, failingHandler, zerolog.Nop())
	publisher := &recordingPublisher{}
	consumer.publisher = publisher
	acker := &recordingAcker{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer.process(ctx, amqp.Delivery{Acknowledger: acker})

	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
	assert.Empty(t, publisher.messages)
}

func TestDeliveryAttempts(t *testing.T) {
	assert.Equal(t, 0, deliveryAttempts(amqp.Delivery{}))
	assert.Equal(t, 1, deliveryAttempts(amqp.Delivery{Redelivered: true}))
	assert.Equal(t, 3, deliveryAttempts(amqp.Delivery{Headers: amqp.Table{retryCountHeader: int32(3)}}))
	assert.Equal(t, 4, deliveryAttempts(amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(4)}}))
}

func TestBrokerConsumer_DropsPanickingDelivery(t *testing.T) {
	consumer := newTestConsumer(func(context.Context, []byte, entities.TransportHints) error {
		panic("boom")
	})
	acker := &recordingAcker{}

	assert.NotPanics(t, func() {
		consumer.process(context.Background(), amqp.Delivery{Acknowledger: acker})
	})
	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
}

func TestDeliveryHints(t *testing.T) {
	hints := DeliveryHints(amqp.Delivery{
		RoutingKey: "whatsapp.messages.upsert",
		Headers: amqp.Table{
			"instance_id": "inst-9",
			"tenantId":    "tenant-1",
			"tenant_slug": "acme",
			"x-broker-id": int64(42),
		},
	})
	assert.Equal(t, entities.OriginBroker, hints.Origin)
	assert.Equal(t, "inst-9", hints.InstanceID)
	assert.Equal(t, "tenant-1", hints.TenantID)
	assert.Equal(t, "acme", hints.TenantSlug)
	assert.Equal(t, "42", hints.BrokerID)
	assert.Equal(t, "whatsapp.messages.upsert", hints.EventType)

	hints = DeliveryHints(amqp.Delivery{Type: "messages.update", Headers: amqp.Table{"event": "ignored"}})
	assert.Equal(t, "messages.update", hints.EventType)

	hints = DeliveryHints(amqp.Delivery{Headers: amqp.Table{"event": "poll.vote"}})
	assert.Equal(t, "poll.vote", hints.EventType)
}
