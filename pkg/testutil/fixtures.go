package testutil

import (
	"fmt"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/shopspring/decimal"
)

// FixtureFactory creates catalog fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Material creates a raw material fixture with 100 units in stock
func (f *FixtureFactory) Material(opts ...func(*domain.RawMaterial)) *domain.RawMaterial {
	seq := f.nextSeq()

	m := &domain.RawMaterial{
		ID:           fmt.Sprintf("MAT-%03d", seq),
		Name:         fmt.Sprintf("Material %d", seq),
		Unit:         "kg",
		CurrentStock: decimal.NewFromInt(100),
		MinThreshold: decimal.NewFromInt(10),
		UpdatedAt:    time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithMaterialID overrides the material id
func WithMaterialID(id string) func(*domain.RawMaterial) {
	return func(m *domain.RawMaterial) {
		m.ID = id
	}
}

// WithStock sets current stock and minimum threshold
func WithStock(current, threshold string) func(*domain.RawMaterial) {
	return func(m *domain.RawMaterial) {
		m.CurrentStock = decimal.RequireFromString(current)
		m.MinThreshold = decimal.RequireFromString(threshold)
	}
}

// Product creates a product fixture without a formula
func (f *FixtureFactory) Product(opts ...func(*domain.Product)) *domain.Product {
	seq := f.nextSeq()

	p := &domain.Product{
		ID:   fmt.Sprintf("PRD-%03d", seq),
		Name: fmt.Sprintf("Product %d", seq),
		Type: "tablet",
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithProductID overrides the product id
func WithProductID(id string) func(*domain.Product) {
	return func(p *domain.Product) {
		p.ID = id
	}
}

// WithFormulaLine appends a formula line
func WithFormulaLine(materialID, perUnit string) func(*domain.Product) {
	return func(p *domain.Product) {
		p.Formula = append(p.Formula, domain.FormulaLine{
			MaterialID:      materialID,
			QuantityPerUnit: decimal.RequireFromString(perUnit),
		})
	}
}
