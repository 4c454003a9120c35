package events

import (
	"context"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/inventory"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/medflow/provenance-backend/pkg/messaging"
	"github.com/shopspring/decimal"
)

// Status change triggers
const (
	TriggerManual       = "manual"
	TriggerQualityCheck = "quality_check"
)

// ProvenanceEventPublisher publishes batch and raw-material events. Publishing
// is best-effort: failures are logged and never reach the caller. A nil
// publisher is a no-op.
type ProvenanceEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewProvenanceEventPublisher declares the provenance exchange and returns a publisher on it
func NewProvenanceEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*ProvenanceEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeProvenanceEvents, "provenance-service", log)
	if err != nil {
		return nil, err
	}

	return NewWithPublisher(publisher, log), nil
}

// NewWithPublisher wraps any transport, e.g. a recording mock in tests.
func NewWithPublisher(p messaging.EventPublisher, log *logger.Logger) *ProvenanceEventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &ProvenanceEventPublisher{
		publisher: p,
		logger:    log,
	}
}

// PublishBatchCreated publishes a batch created event with one deduction line
// per material.
func (p *ProvenanceEventPublisher) PublishBatchCreated(ctx context.Context, batch *domain.Batch, touched []*domain.RawMaterial, deducted []domain.Requirement) {
	if p == nil {
		return
	}

	remaining := make(map[string]decimal.Decimal, len(touched))
	for _, m := range touched {
		remaining[m.ID] = m.CurrentStock
	}

	merged := inventory.Merge(deducted)
	deductions := make([]messaging.MaterialDeduction, 0, len(merged))
	for _, d := range merged {
		deductions = append(deductions, messaging.MaterialDeduction{
			MaterialID: d.MaterialID,
			Amount:     d.Amount,
			Remaining:  remaining[d.MaterialID],
		})
	}

	data := messaging.BatchCreatedEvent{
		BatchID:          batch.BatchID,
		ProductID:        batch.ProductID,
		QuantityProduced: batch.QuantityProduced,
		ManufactureDate:  batch.ManufactureDate,
		ExpiryDate:       batch.ExpiryDate,
		Deductions:       deductions,
	}
	if genesis := firstEntry(batch); genesis != nil {
		data.GenesisHash = genesis.Hash
		data.Actor = genesis.Actor
	}

	if err := p.publisher.Publish(ctx, messaging.EventBatchCreated, data); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batch.BatchID).Msg("failed to publish batch created event")
	}
}

// PublishStatusChanged publishes a batch status changed event
func (p *ProvenanceEventPublisher) PublishStatusChanged(ctx context.Context, batchID string, from domain.Status, entry *domain.LedgerEntry, to domain.Status, trigger string) {
	if p == nil || entry == nil {
		return
	}

	data := messaging.BatchStatusChangedEvent{
		BatchID:   batchID,
		From:      string(from),
		To:        string(to),
		EntryHash: entry.Hash,
		Trigger:   trigger,
		Actor:     entry.Actor,
	}

	if err := p.publisher.Publish(ctx, messaging.EventBatchStatusChanged, data); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to publish status changed event")
	}
}

// PublishLowStock publishes one low stock event per material
func (p *ProvenanceEventPublisher) PublishLowStock(ctx context.Context, batchID string, materials []*domain.RawMaterial) {
	if p == nil {
		return
	}

	for _, m := range materials {
		data := messaging.MaterialLowStockEvent{
			MaterialID:   m.ID,
			Name:         m.Name,
			Unit:         m.Unit,
			CurrentStock: m.CurrentStock,
			MinThreshold: m.MinThreshold,
			BatchID:      batchID,
		}

		if err := p.publisher.Publish(ctx, messaging.EventMaterialLowStock, data); err != nil {
			p.logger.Error().Err(err).Str("material_id", m.ID).Msg("failed to publish low stock event")
		}
	}
}

// PublishRestocked publishes a material restocked event
func (p *ProvenanceEventPublisher) PublishRestocked(ctx context.Context, m *domain.RawMaterial, amount decimal.Decimal, actor string) {
	if p == nil {
		return
	}

	data := messaging.MaterialRestockedEvent{
		MaterialID: m.ID,
		Amount:     amount,
		NewStock:   m.CurrentStock,
		Actor:      actor,
	}

	if err := p.publisher.Publish(ctx, messaging.EventMaterialRestocked, data); err != nil {
		p.logger.Error().Err(err).Str("material_id", m.ID).Msg("failed to publish restocked event")
	}
}

func firstEntry(b *domain.Batch) *domain.LedgerEntry {
	if len(b.Ledger) == 0 {
		return nil
	}
	return &b.Ledger[0]
}
