package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medflow/provenance-backend/pkg/config"
	"github.com/medflow/provenance-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Binding routes a topic pattern from an exchange into a queue.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Topology is every exchange and queue a service relies on. Failed messages
// from Queues are dead-lettered to DeadLetterQueue.
type Topology struct {
	Exchanges       []string
	Queues          map[string][]Binding
	DeadLetterQueue string
}

// ProvenanceTopology is the broker layout of the provenance service: it
// publishes on provenance.events and consumes Quality Check outcomes from
// quality.events into queue.
func ProvenanceTopology(serviceName, queue string) Topology {
	return Topology{
		Exchanges: []string{ExchangeProvenanceEvents, ExchangeQualityEvents},
		Queues: map[string][]Binding{
			queue: {{Exchange: ExchangeQualityEvents, RoutingKey: "quality.check.#"}},
		},
		DeadLetterQueue: "dlq." + serviceName,
	}
}

// RabbitMQ manages the connection to RabbitMQ
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	logger  *logger.Logger
	mu      sync.RWMutex
	closed  bool
}

// New connects to RabbitMQ and opens the shared channel
func New(cfg *config.RabbitMQConfig, log *logger.Logger) (*RabbitMQ, error) {
	rmq := &RabbitMQ{
		config: cfg,
		logger: log,
	}

	if err := rmq.connect(); err != nil {
		return nil, err
	}

	return rmq, nil
}

func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(r.config.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	r.conn, r.channel = conn, ch
	r.logger.Info().Int("prefetch", r.config.PrefetchCount).Msg("connected to RabbitMQ")
	return nil
}

// Channel returns the current channel
func (r *RabbitMQ) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

// Close closes the RabbitMQ connection
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close channel")
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}

	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

// Health reports connection and channel state for /health
func (r *RabbitMQ) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := map[string]string{
		"status": "up",
		"broker": "rabbitmq",
	}

	switch {
	case r.conn == nil || r.conn.IsClosed():
		status["status"] = "down"
		status["error"] = "connection closed"
	case r.channel == nil || r.channel.IsClosed():
		status["status"] = "degraded"
		status["error"] = "channel closed"
	}

	return status
}

// DeclareTopology declares the dead-letter exchange and queue, every exchange,
// and every queue with its bindings. Declarations are idempotent, so this runs
// on every start.
func (r *RabbitMQ) DeclareTopology(t Topology) error {
	if t.DeadLetterQueue != "" {
		if err := r.declareDeadLetter(t.DeadLetterQueue); err != nil {
			return err
		}
	}

	for _, exchange := range t.Exchanges {
		if err := r.DeclareExchange(exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for queue, bindings := range t.Queues {
		if _, err := r.DeclareQueue(queue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		for _, b := range bindings {
			if err := r.BindQueue(queue, b.Exchange, b.RoutingKey); err != nil {
				return fmt.Errorf("failed to bind %s to %s (%s): %w", queue, b.Exchange, b.RoutingKey, err)
			}
		}
	}

	r.logger.Info().
		Strs("exchanges", t.Exchanges).
		Int("queues", len(t.Queues)).
		Str("dlq", t.DeadLetterQueue).
		Msg("broker topology declared")
	return nil
}

// DeclareExchange declares a durable topic exchange
func (r *RabbitMQ) DeclareExchange(name string) error {
	return r.Channel().ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

// DeclareQueue declares a durable queue whose rejected messages go to the
// dead-letter exchange
func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	return r.Channel().QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": exchangeDeadLetter,
		},
	)
}

func (r *RabbitMQ) declareDeadLetter(queue string) error {
	ch := r.Channel()

	if err := ch.ExchangeDeclare(exchangeDeadLetter, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	// dead-lettered messages keep their original routing key
	if err := ch.QueueBind(queue, "#", exchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}
	return nil
}

// BindQueue binds a queue to an exchange with a routing key pattern
func (r *RabbitMQ) BindQueue(queueName, exchange, routingKey string) error {
	return r.Channel().QueueBind(
		queueName,
		routingKey,
		exchange,
		false,
		nil,
	)
}

// PublishToQueue publishes msg straight to queue through the default exchange.
func (r *RabbitMQ) PublishToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return r.Channel().PublishWithContext(ctx, "", queue, false, false, msg)
}

// Reconnect redials until it succeeds, ctx is done or the retry budget is spent
func (r *RabbitMQ) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("connection is permanently closed")
	}

	for i := 0; i < r.config.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.logger.Info().Int("attempt", i+1).Msg("attempting to reconnect to RabbitMQ")

		if err := r.connect(); err != nil {
			r.logger.Warn().Err(err).Msg("reconnection attempt failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.ReconnectDelay):
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", r.config.MaxRetries)
}
