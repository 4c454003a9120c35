package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medflow/provenance-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxRedeliveries is how often a failing message is retried before it is
// dead-lettered.
const maxRedeliveries = 3

// headerRetryCount carries the number of retries already spent on a message.
// Requeued deliveries carry no such count, so failures are republished with it.
const headerRetryCount = "x-retry-count"

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// retryPublisher re-enqueues a failed message on queue.
type retryPublisher func(ctx context.Context, queue string, msg amqp.Publishing) error

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	retry     retryPublisher
	logger    *logger.Logger
}

// NewConsumer creates a new consumer for the given queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	_, err := rmq.DeclareQueue(queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		retry:     rmq.PublishToQueue,
		logger:    log,
	}, nil
}

// Subscribe subscribes to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	// Declare the exchange first
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Bind the queue to the exchange
	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start starts consuming messages from the queue. When the broker drops the
// delivery channel the consumer reconnects and resumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.deliveries()
	if err != nil {
		return err
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go func() {
		for {
			if c.drain(ctx, msgs) {
				c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
				return
			}

			c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed")
			if err := c.rmq.Reconnect(ctx); err != nil {
				c.logger.Error().Err(err).Str("queue", c.queueName).Msg("consumer gave up reconnecting")
				return
			}
			if msgs, err = c.deliveries(); err != nil {
				c.logger.Error().Err(err).Str("queue", c.queueName).Msg("failed to resume consuming")
				return
			}
			c.logger.Info().Str("queue", c.queueName).Msg("consumer resumed")
		}
	}()

	return nil
}

func (c *Consumer) deliveries() (<-chan amqp.Delivery, error) {
	msgs, err := c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

// drain handles deliveries until ctx is done (true) or the channel closes (false).
func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err() != nil
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal event")
		_ = msg.Reject(false)
		return
	}

	// Add correlation ID to context
	ctx = WithCorrelationID(ctx, event.CorrelationID)

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().
			Str("event_type", event.Type).
			Msg("no handler registered for event type")
		_ = msg.Ack(false)
		return
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Msg("failed to process event")

		c.retryOrDeadLetter(ctx, msg, &event)
		return
	}

	_ = msg.Ack(false)
}

// retryOrDeadLetter republishes a failed message with its retry count bumped
// and acks the original. Once the budget is spent, or the copy cannot be
// published, the message is rejected to the dead-letter exchange.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, msg amqp.Delivery, event *Event) {
	retries := getRetryCount(msg)
	if retries >= maxRedeliveries {
		c.logger.Warn().
			Str("event_id", event.ID).
			Int("retry_count", retries).
			Msg("max retries exceeded, sending to DLQ")
		_ = msg.Reject(false)
		return
	}

	if err := c.retry(ctx, c.queueName, retryCopy(msg, retries+1)); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Msg("failed to republish for retry, sending to DLQ")
		_ = msg.Reject(false)
		return
	}

	c.logger.Debug().
		Str("event_id", event.ID).
		Int("retry_count", retries+1).
		Msg("event scheduled for retry")
	_ = msg.Ack(false)
}

func retryCopy(msg amqp.Delivery, retries int) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int32(retries)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		Body:          msg.Body,
	}
}

// getRetryCount reads our retry header, falling back to the broker's x-death
// count for messages that went through a dead-letter cycle.
func getRetryCount(msg amqp.Delivery) int {
	if msg.Headers == nil {
		return 0
	}

	switch n := msg.Headers[headerRetryCount].(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}

	if deaths, ok := msg.Headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if count, ok := d["count"].(int64); ok {
					return int(count)
				}
			}
		}
	}

	return 0
}
