// Package repository persists materials, products and batches.
//
// Store is implemented by the PostgreSQL store in this package and by the
// memory and mongo sub-packages. Every implementation must run
// CreateBatchWithDeduction as one atomic unit and serialize AppendToLedger per
// batch, so two writers can never fork a chain.
package repository

import (
	"context"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/shopspring/decimal"
)

// Mutation edits a locked copy of a batch and returns the ledger entry it
// appended. A nil entry means nothing changed and nothing is written.
type Mutation func(b *domain.Batch) (*domain.LedgerEntry, error)

// Store is the persistence contract of the provenance service.
type Store interface {
	// GetProduct reads the product catalog.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// PutProduct inserts or replaces a catalog entry. Used for seeding.
	PutProduct(ctx context.Context, p *domain.Product) error

	GetMaterial(ctx context.Context, id string) (*domain.RawMaterial, error)
	ListMaterials(ctx context.Context) ([]*domain.RawMaterial, error)
	// PutMaterial inserts or replaces a material. Used for seeding.
	PutMaterial(ctx context.Context, m *domain.RawMaterial) error
	// Restock adds amount to a material's stock.
	Restock(ctx context.Context, materialID string, amount decimal.Decimal, at time.Time) (*domain.RawMaterial, error)

	// CreateBatchWithDeduction rejects a known batch id, deducts every
	// requirement and inserts the batch, all or nothing. It returns the
	// touched materials with their new stock.
	CreateBatchWithDeduction(ctx context.Context, reqs []domain.Requirement, batch *domain.Batch) ([]*domain.RawMaterial, error)
	// AppendToLedger runs mutate under the batch's write lock and persists
	// the appended entry together with the new status.
	AppendToLedger(ctx context.Context, batchID string, mutate Mutation) (*domain.Batch, *domain.LedgerEntry, error)

	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	// ListBatches returns matching batches in insertion order.
	ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.Batch, error)

	Health(ctx context.Context) map[string]string
	Close(ctx context.Context) error
}
