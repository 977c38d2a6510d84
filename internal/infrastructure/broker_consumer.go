package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"engage_inbound/internal/entities"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// PayloadHandler receives one raw broker payload. A non-nil error means the payload
// may succeed on redelivery; anything that can never succeed must return nil.
type PayloadHandler func(ctx context.Context, raw []byte, hints entities.TransportHints) error

// retryCountHeader counts republished attempts on classic queues. Quorum queues
// report x-delivery-count themselves.
const retryCountHeader = "x-retry-count"

type BrokerConsumerConfig struct {
	URL            string
	Queue          string
	Prefetch       int
	Workers        int
	HandlerTimeout time.Duration
	// MaxRedeliveries caps recoverable retries; the delivery is then rejected
	// to DeadLetterExchange, or dropped when none is configured.
	MaxRedeliveries    int
	RetryDelay         time.Duration
	DeadLetterExchange string
}

// deliveryPublisher is the part of *amqp.Channel used to republish retries.
type deliveryPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// BrokerConsumer reads WhatsApp events published by the broker on an AMQP queue.
type BrokerConsumer struct {
	cfg     BrokerConsumerConfig
	handler PayloadHandler
	logger  zerolog.Logger

	conn      *amqp.Connection
	ch        *amqp.Channel
	publisher deliveryPublisher
	wg        sync.WaitGroup
	once      sync.Once
}

func NewBrokerConsumer(cfg BrokerConsumerConfig, handler PayloadHandler, logger zerolog.Logger) *BrokerConsumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &BrokerConsumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "broker_consumer").Str("queue", cfg.Queue).Logger(),
	}
}

// Start connects, declares the queue and runs the worker pool until ctx is done
// or the delivery channel closes.
func (c *BrokerConsumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	var args amqp.Table
	if c.cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.conn, c.ch, c.publisher = conn, ch, ch

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.work(ctx, deliveries)
		}()
	}
	c.logger.Info().Int("workers", c.cfg.Workers).Msg("Broker consumer started")
	return nil
}

func (c *BrokerConsumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.process(ctx, d)
		}
	}
}

// process acks handled or unrecoverable deliveries. Recoverable failures are retried
// after RetryDelay until MaxRedeliveries is reached, then rejected without requeue.
func (c *BrokerConsumer) process(ctx context.Context, d amqp.Delivery) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	err := c.safeHandle(hctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("Failed to ack delivery")
		}
		return
	}

	attempts := deliveryAttempts(d) + 1
	log := c.logger.With().Err(err).Str("message_id", d.MessageId).Int("attempts", attempts).Logger()
	if attempts >= c.cfg.MaxRedeliveries {
		log.Error().Str("dead_letter_exchange", c.cfg.DeadLetterExchange).Msg("Redelivery limit reached, rejecting delivery")
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error().Err(nackErr).Msg("Failed to reject delivery")
		}
		return
	}

	log.Warn().Dur("delay", c.cfg.RetryDelay).Msg("Recoverable failure, retrying delivery")
	select {
	case <-ctx.Done():
		// Shutting down: hand the delivery back untouched.
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error().Err(nackErr).Msg("Failed to nack delivery")
		}
		return
	case <-time.After(c.cfg.RetryDelay):
	}

	if c.republish(ctx, d, attempts) {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("Failed to ack retried delivery")
		}
		return
	}
	if nackErr := d.Nack(false, true); nackErr != nil {
		c.logger.Error().Err(nackErr).Msg("Failed to nack delivery")
	}
}

// republish puts a copy of the delivery back on the queue with its attempt count.
func (c *BrokerConsumer) republish(ctx context.Context, d amqp.Delivery, attempts int) bool {
	if c.publisher == nil {
		return false
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(attempts)
	// The retry is routed by queue name, so keep the original event type.
	if eventType := DeliveryHints(d).EventType; d.Type == "" && eventType != "" {
		headers["event"] = eventType
	}

	err := c.publisher.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("Retry republish failed, requeueing")
		return false
	}
	return true
}

// deliveryAttempts is how many times the delivery already failed.
func deliveryAttempts(d amqp.Delivery) int {
	attempts := cast.ToInt(d.Headers[retryCountHeader])
	if n := cast.ToInt(d.Headers["x-delivery-count"]); n > attempts {
		attempts = n
	}
	if attempts == 0 && d.Redelivered {
		attempts = 1
	}
	return attempts
}

func (c *BrokerConsumer) safeHandle(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("message_id", d.MessageId).Msg("Handler panicked, dropping delivery")
			err = nil
		}
	}()
	return c.handler(ctx, d.Body, DeliveryHints(d))
}

// DeliveryHints reads routing facts from the delivery headers and properties.
func DeliveryHints(d amqp.Delivery) entities.TransportHints {
	header := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := d.Headers[k]; ok {
				if s := cast.ToString(v); s != "" {
					return s
				}
			}
		}
		return ""
	}
	eventType := d.Type
	if eventType == "" {
		eventType = header("event", "x-event-type")
	}
	if eventType == "" {
		eventType = d.RoutingKey
	}
	return entities.TransportHints{
		Origin:     entities.OriginBroker,
		InstanceID: header("instanceId", "instance_id", "x-instance-id"),
		TenantID:   header("tenantId", "tenant_id", "x-tenant-id"),
		TenantSlug: header("tenantSlug", "tenant_slug"),
		BrokerID:   header("brokerId", "broker_id", "x-broker-id"),
		EventType:  eventType,
	}
}

// Close stops consuming and waits for in-flight deliveries.
func (c *BrokerConsumer) Close() error {
	var err error
	c.once.Do(func() {
		if c.ch != nil {
			_ = c.ch.Close()
		}
		c.wg.Wait()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
