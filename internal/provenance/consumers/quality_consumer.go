package consumers

import (
	"context"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/medflow/provenance-backend/pkg/messaging"
)

// QualityQueue receives Quality Check outcomes for this service.
const QualityQueue = "provenance-service.quality-events"

// QualityOutcomeApplier is the part of the provenance service this consumer drives.
type QualityOutcomeApplier interface {
	ApplyQualityOutcome(ctx context.Context, batchID string, outcome domain.QualityOutcome, actor string) (*domain.Batch, *domain.LedgerEntry, error)
}

// QualityEventConsumer consumes Quality Check outcomes
type QualityEventConsumer struct {
	consumer *messaging.Consumer
	applier  QualityOutcomeApplier
	logger   *logger.Logger
}

// NewQualityEventConsumer creates a consumer bound to the quality events exchange
func NewQualityEventConsumer(rmq *messaging.RabbitMQ, applier QualityOutcomeApplier, log *logger.Logger) (*QualityEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, QualityQueue, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeQualityEvents, "quality.check.#"); err != nil {
		return nil, err
	}

	c := NewQualityEventHandler(applier, log)
	c.consumer = consumer
	consumer.RegisterHandler(messaging.EventQualityCheckCompleted, c.HandleQualityCheckCompleted)

	return c, nil
}

// NewQualityEventHandler returns a consumer without a transport, for direct dispatch.
func NewQualityEventHandler(applier QualityOutcomeApplier, log *logger.Logger) *QualityEventConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &QualityEventConsumer{
		applier: applier,
		logger:  log,
	}
}

// Start starts consuming messages
func (c *QualityEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// HandleQualityCheckCompleted applies one outcome. Messages that can never
// succeed (unknown batch, malformed outcome, forbidden transition) are
// acknowledged and logged; anything else is returned so the message is retried.
func (c *QualityEventConsumer) HandleQualityCheckCompleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.QualityCheckCompletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("batch_id", data.BatchID).
		Str("outcome", data.Outcome).
		Msg("received quality check completed event")

	actor := data.Actor
	if actor == "" {
		actor = "quality-check"
	}

	_, _, err := c.applier.ApplyQualityOutcome(ctx, data.BatchID, domain.QualityOutcome(data.Outcome), actor)
	if err == nil {
		return nil
	}

	if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrValidation) || errors.Is(err, errors.ErrInvalidTransition) {
		c.logger.Warn().Err(err).
			Str("batch_id", data.BatchID).
			Str("event_id", event.ID).
			Msg("dropping quality check outcome")
		return nil
	}
	return err
}
