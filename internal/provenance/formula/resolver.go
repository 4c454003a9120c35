// Package formula turns a product's per-unit recipe into absolute material requirements.
package formula

import (
	"context"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// ProductCatalog is the read path into product management.
// GetProduct returns an errors.ErrNotFound AppError for unknown ids.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// Resolver computes the materials a production run consumes.
type Resolver struct {
	catalog ProductCatalog
}

// NewResolver creates a resolver backed by the given catalog.
func NewResolver(catalog ProductCatalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve looks the product up and scales its formula by quantity. The result
// keeps the formula's line order. A product without a formula yields no requirements.
func (r *Resolver) Resolve(ctx context.Context, productID string, quantity decimal.Decimal) (*domain.Product, []domain.Requirement, error) {
	if !quantity.IsPositive() {
		return nil, nil, errors.Validation(map[string]string{
			"quantity_produced": "must be greater than zero",
		})
	}

	product, err := r.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, nil, err
	}

	return product, Scale(product.Formula, quantity), nil
}

// Scale multiplies every formula line by quantity.
func Scale(lines []domain.FormulaLine, quantity decimal.Decimal) []domain.Requirement {
	reqs := make([]domain.Requirement, 0, len(lines))
	for _, line := range lines {
		reqs = append(reqs, domain.Requirement{
			MaterialID: line.MaterialID,
			Amount:     line.QuantityPerUnit.Mul(quantity),
		})
	}
	return reqs
}
