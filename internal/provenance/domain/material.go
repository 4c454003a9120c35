package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawMaterial is a stocked input consumed by production.
type RawMaterial struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	MinThreshold decimal.Decimal `json:"min_threshold"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BelowThreshold reports whether stock has dropped under the minimum threshold.
func (m *RawMaterial) BelowThreshold() bool {
	return m.CurrentStock.LessThan(m.MinThreshold)
}

// FormulaLine is the amount of one material needed per produced unit.
type FormulaLine struct {
	MaterialID      string          `json:"material_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// Product is owned by the product catalog; only the formula matters here.
type Product struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Formula []FormulaLine `json:"formula"`
}

// Requirement is the total amount of a material one operation must consume.
type Requirement struct {
	MaterialID string          `json:"material_id"`
	Amount     decimal.Decimal `json:"amount"`
}
