// Package memory is an in-process Store for development and tests.
//
// Stock and batch inserts are serialized by one store-wide lock. Ledger
// appends take a lock keyed by batch id, so appends to different batches run
// in parallel while appends to the same batch cannot fork its chain.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/inventory"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu sync.RWMutex

	products  map[string]*domain.Product
	materials map[string]*domain.RawMaterial

	batches map[string]*domain.Batch
	// insertion order of batch ids
	order []string

	locksMu    sync.Mutex
	batchLocks map[string]*sync.Mutex
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products:   make(map[string]*domain.Product),
		materials:  make(map[string]*domain.RawMaterial),
		batches:    make(map[string]*domain.Batch),
		order:      make([]string, 0),
		batchLocks: make(map[string]*sync.Mutex),
	}
}

// Product catalog

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, errors.NotFoundID("product", "product_id", id)
	}
	return cloneProduct(p), nil
}

func (s *Store) PutProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[p.ID] = cloneProduct(p)
	return nil
}

// Materials

func (s *Store) GetMaterial(_ context.Context, id string) (*domain.RawMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.materials[id]
	if !ok {
		return nil, errors.NotFoundID("material", "material_id", id)
	}
	c := *m
	return &c, nil
}

func (s *Store) ListMaterials(_ context.Context) ([]*domain.RawMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.RawMaterial, 0, len(s.materials))
	for _, m := range s.materials {
		c := *m
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) PutMaterial(_ context.Context, m *domain.RawMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *m
	s.materials[m.ID] = &c
	return nil
}

func (s *Store) Restock(_ context.Context, materialID string, amount decimal.Decimal, at time.Time) (*domain.RawMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.materials[materialID]
	if !ok {
		return nil, errors.NotFoundID("material", "material_id", materialID)
	}
	m.CurrentStock = m.CurrentStock.Add(amount)
	m.UpdatedAt = at

	c := *m
	return &c, nil
}

// Batches

func (s *Store) CreateBatchWithDeduction(_ context.Context, reqs []domain.Requirement, batch *domain.Batch) ([]*domain.RawMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return nil, errors.DuplicateBatchID(batch.BatchID)
	}

	plan, err := inventory.Plan(reqs, s.materials)
	if err != nil {
		return nil, err
	}

	// Nothing below can fail, so applying in place keeps the unit atomic.
	touched := make([]*domain.RawMaterial, 0, len(plan))
	for _, d := range plan {
		m := s.materials[d.MaterialID]
		m.CurrentStock = d.Remaining
		m.UpdatedAt = batch.CreatedAt

		c := *m
		touched = append(touched, &c)
	}

	s.batches[batch.BatchID] = batch.Clone()
	s.order = append(s.order, batch.BatchID)
	return touched, nil
}

func (s *Store) batchLock(batchID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.batchLocks[batchID]
	if !ok {
		l = &sync.Mutex{}
		s.batchLocks[batchID] = l
	}
	return l
}

func (s *Store) AppendToLedger(_ context.Context, batchID string, mutate repository.Mutation) (*domain.Batch, *domain.LedgerEntry, error) {
	l := s.batchLock(batchID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.batches[batchID]
	var working *domain.Batch
	if ok {
		working = stored.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		return nil, nil, errors.NotFoundID("batch", "batch_id", batchID)
	}

	entry, err := mutate(working)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return working, nil, nil
	}

	s.mu.Lock()
	s.batches[batchID] = working.Clone()
	s.mu.Unlock()

	return working, entry, nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, errors.NotFoundID("batch", "batch_id", batchID)
	}
	return b.Clone(), nil
}

func (s *Store) ListBatches(_ context.Context, filter domain.BatchFilter) ([]*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Batch, 0)
	for _, id := range s.order {
		b := s.batches[id]
		if filter.Matches(b) {
			result = append(result, b.Clone())
		}
	}
	return result, nil
}

// Tamper overwrites a stored ledger entry, bypassing the append-only rules.
// It exists so verification can be exercised end to end.
func (s *Store) Tamper(batchID string, index int, fn func(e *domain.LedgerEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok || index < 0 || index >= len(b.Ledger) {
		return false
	}
	fn(&b.Ledger[index])
	return true
}

func (s *Store) Health(_ context.Context) map[string]string {
	return map[string]string{"status": "up", "driver": "memory"}
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

func cloneProduct(p *domain.Product) *domain.Product {
	c := *p
	c.Formula = make([]domain.FormulaLine, len(p.Formula))
	copy(c.Formula, p.Formula)
	return &c
}
