package service

import (
	"context"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/events"
	"github.com/medflow/provenance-backend/internal/provenance/expiry"
	"github.com/medflow/provenance-backend/internal/provenance/formula"
	"github.com/medflow/provenance-backend/internal/provenance/inventory"
	"github.com/medflow/provenance-backend/internal/provenance/lifecycle"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// Options tune the service. The zero value gives permissive transitions,
// no low stock events and the wall clock.
type Options struct {
	StrictTransitions bool
	LowStockEvents    bool
	Clock             func() time.Time
}

// ProvenanceService composes the resolver, the stores and the lifecycle
// machine into the operations exposed to collaborators.
type ProvenanceService struct {
	store          repository.Store
	resolver       *formula.Resolver
	machine        *lifecycle.Machine
	publisher      *events.ProvenanceEventPublisher
	logger         *logger.Logger
	now            func() time.Time
	lowStockEvents bool
}

// NewProvenanceService creates a new provenance service. publisher may be nil.
func NewProvenanceService(
	store repository.Store,
	publisher *events.ProvenanceEventPublisher,
	log *logger.Logger,
	opts Options,
) *ProvenanceService {
	if log == nil {
		log = logger.Nop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &ProvenanceService{
		store:          store,
		resolver:       formula.NewResolver(store),
		machine:        lifecycle.New(opts.StrictTransitions),
		publisher:      publisher,
		logger:         log.WithComponent("provenance"),
		now:            clock,
		lowStockEvents: opts.LowStockEvents,
	}
}

// CreateBatchInput carries everything needed to open a batch.
type CreateBatchInput struct {
	BatchID          string
	ProductID        string
	QuantityProduced decimal.Decimal
	ManufactureDate  time.Time
	ExpiryDate       time.Time
	Actor            string
}

func (in CreateBatchInput) validate() error {
	details := map[string]string{}
	if in.BatchID == "" {
		details["batch_id"] = "is required"
	}
	if in.ProductID == "" {
		details["product_id"] = "is required"
	}
	if !in.QuantityProduced.IsPositive() {
		details["quantity_produced"] = "must be greater than zero"
	}
	if in.ManufactureDate.IsZero() {
		details["manufacture_date"] = "is required"
	}
	if !in.ExpiryDate.After(in.ManufactureDate) {
		details["expiry_date"] = "must be after manufacture_date"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// Batch operations

// CreateBatch resolves the product formula, then deducts every required
// material and persists the batch with its genesis entry as one unit. Any
// failure leaves stock and batches untouched.
func (s *ProvenanceService) CreateBatch(ctx context.Context, in CreateBatchInput) (*domain.Batch, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	product, reqs, err := s.resolver.Resolve(ctx, in.ProductID, in.QuantityProduced)
	if err != nil {
		return nil, err
	}

	batch, err := chain.NewBatch(chain.Metadata{
		BatchID:          in.BatchID,
		ProductID:        product.ID,
		ProductName:      product.Name,
		ProductType:      product.Type,
		QuantityProduced: in.QuantityProduced,
		ManufactureDate:  in.ManufactureDate,
		ExpiryDate:       in.ExpiryDate,
	}, in.Actor, s.now())
	if err != nil {
		return nil, err
	}

	touched, err := s.store.CreateBatchWithDeduction(ctx, reqs, batch)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("batch_id", in.BatchID).
			Str("product_id", in.ProductID).
			Msg("batch creation rejected")
		return nil, err
	}

	s.logger.Info().
		Str("batch_id", batch.BatchID).
		Str("product_id", batch.ProductID).
		Str("quantity", batch.QuantityProduced.String()).
		Int("materials_deducted", len(touched)).
		Str("actor", in.Actor).
		Msg("batch created")

	s.publisher.PublishBatchCreated(ctx, batch, touched, reqs)
	if s.lowStockEvents {
		if low := inventory.LowStock(touched); len(low) > 0 {
			s.publisher.PublishLowStock(ctx, batch.BatchID, low)
		}
	}

	return batch, nil
}

// UpdateStatus appends a status entry and sets the batch status in one write.
func (s *ProvenanceService) UpdateStatus(ctx context.Context, batchID string, status domain.Status, actor string) (*domain.Batch, error) {
	var from domain.Status
	batch, entry, err := s.store.AppendToLedger(ctx, batchID, func(b *domain.Batch) (*domain.LedgerEntry, error) {
		from = b.Status
		return s.machine.Transition(b, status, actor, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("actor", actor).
		Msg("batch status updated")

	s.publisher.PublishStatusChanged(ctx, batchID, from, entry, batch.Status, events.TriggerManual)
	return batch, nil
}

// ApplyQualityOutcome releases the batch on pass. On fail nothing is written
// and the returned entry is nil.
func (s *ProvenanceService) ApplyQualityOutcome(ctx context.Context, batchID string, outcome domain.QualityOutcome, actor string) (*domain.Batch, *domain.LedgerEntry, error) {
	if !outcome.Valid() {
		return nil, nil, errors.Validation(map[string]string{"outcome": "must be pass or fail"})
	}

	var from domain.Status
	batch, entry, err := s.store.AppendToLedger(ctx, batchID, func(b *domain.Batch) (*domain.LedgerEntry, error) {
		from = b.Status
		return s.machine.ApplyQualityOutcome(b, outcome, actor, s.now())
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Str("outcome", string(outcome)).
		Str("status", string(batch.Status)).
		Bool("status_changed", entry != nil).
		Msg("quality check outcome applied")

	s.publisher.PublishStatusChanged(ctx, batchID, from, entry, batch.Status, events.TriggerQualityCheck)
	return batch, entry, nil
}

// GetBatch returns one batch with its ledger
func (s *ProvenanceService) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

// ListBatches lists batches in creation order
func (s *ProvenanceService) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.Batch, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errors.Validation(map[string]string{"status": "unknown status"})
	}
	return s.store.ListBatches(ctx, filter)
}

// GetChain returns the batch ledger in order
func (s *ProvenanceService) GetChain(ctx context.Context, batchID string) ([]domain.LedgerEntry, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return batch.Ledger, nil
}

// VerifyChain checks the batch ledger. A broken chain is a result, not an error.
func (s *ProvenanceService) VerifyChain(ctx context.Context, batchID string) (chain.Result, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return chain.Result{}, err
	}

	result := chain.Verify(batch)
	if !result.Valid {
		s.logger.WithBatch(batchID).Error().
			Int("broken_at", result.BrokenAt).
			Str("reason", result.Reason).
			Msg("ledger integrity violation detected")
	}
	return result, nil
}

// EnsureChainIntact is VerifyChain for callers that want a broken chain as
// a ChainIntegrityViolation error.
func (s *ProvenanceService) EnsureChainIntact(ctx context.Context, batchID string) (chain.Result, error) {
	result, err := s.VerifyChain(ctx, batchID)
	if err != nil {
		return result, err
	}
	if !result.Valid {
		return result, errors.ChainIntegrityViolation(batchID, result.BrokenAt, result.Reason)
	}
	return result, nil
}

// GetQRPayload returns the label payload for a batch
func (s *ProvenanceService) GetQRPayload(ctx context.Context, batchID string) (*domain.QRPayload, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	payload := batch.QRPayload()
	return &payload, nil
}

// Expiry operations

// SuggestFEFO lists the product's released, unexpired batches soonest expiry first.
func (s *ProvenanceService) SuggestFEFO(ctx context.Context, productID string) ([]*domain.Batch, error) {
	batches, err := s.store.ListBatches(ctx, domain.BatchFilter{ProductID: productID, Status: domain.StatusReleased})
	if err != nil {
		return nil, err
	}
	return expiry.SuggestFEFO(s.now(), productID, batches), nil
}

// GetExpiryHeatmap buckets every batch by time to expiry. A zero now uses the clock.
func (s *ProvenanceService) GetExpiryHeatmap(ctx context.Context, now time.Time) (expiry.Heatmap, error) {
	if now.IsZero() {
		now = s.now()
	}

	batches, err := s.store.ListBatches(ctx, domain.BatchFilter{})
	if err != nil {
		return expiry.Heatmap{}, err
	}
	return expiry.BuildHeatmap(now, batches), nil
}

// Material operations

// GetMaterial returns one raw material
func (s *ProvenanceService) GetMaterial(ctx context.Context, materialID string) (*domain.RawMaterial, error) {
	return s.store.GetMaterial(ctx, materialID)
}

// ListMaterials lists raw materials by id
func (s *ProvenanceService) ListMaterials(ctx context.Context) ([]*domain.RawMaterial, error) {
	return s.store.ListMaterials(ctx)
}

// Restock adds amount to a material's stock
func (s *ProvenanceService) Restock(ctx context.Context, materialID string, amount decimal.Decimal, actor string) (*domain.RawMaterial, error) {
	if err := inventory.ValidateRestock(amount); err != nil {
		return nil, err
	}

	material, err := s.store.Restock(ctx, materialID, amount, chain.Normalize(s.now()))
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("material_id", materialID).
		Str("amount", amount.String()).
		Str("stock", material.CurrentStock.String()).
		Str("actor", actor).
		Msg("material restocked")

	s.publisher.PublishRestocked(ctx, material, amount, actor)
	return material, nil
}

// Health reports the store status
func (s *ProvenanceService) Health(ctx context.Context) map[string]string {
	return s.store.Health(ctx)
}
