// Package inventory validates multi-material deductions before any store mutates stock.
//
// Every store locks the materials it is about to touch, loads them, and hands
// them to Plan. Plan checks every requirement line first; stores apply the
// returned deductions only when Plan succeeds, inside the same lock or
// transaction.
package inventory

import (
	"sort"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// Deduction is the combined effect of all requirement lines on one material.
type Deduction struct {
	MaterialID string
	Amount     decimal.Decimal
	Remaining  decimal.Decimal
}

// MaterialIDs returns the distinct material ids of reqs in ascending order,
// the order in which stores acquire row locks.
func MaterialIDs(reqs []domain.Requirement) []string {
	seen := make(map[string]struct{}, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := seen[r.MaterialID]; ok {
			continue
		}
		seen[r.MaterialID] = struct{}{}
		ids = append(ids, r.MaterialID)
	}
	sort.Strings(ids)
	return ids
}

// Plan checks reqs in list order against materials and returns one deduction
// per distinct material, in order of first appearance. Lines naming the same
// material are checked cumulatively. The first failing line aborts the plan
// with MaterialNotFound or InsufficientStock and nothing should be applied.
func Plan(reqs []domain.Requirement, materials map[string]*domain.RawMaterial) ([]Deduction, error) {
	remaining := make(map[string]decimal.Decimal, len(reqs))
	totals := make(map[string]decimal.Decimal, len(reqs))
	order := make([]string, 0, len(reqs))

	for _, r := range reqs {
		if r.Amount.IsNegative() {
			return nil, errors.Validation(map[string]string{
				"amount": "requirement for material " + r.MaterialID + " must not be negative",
			})
		}

		m, ok := materials[r.MaterialID]
		if !ok {
			return nil, errors.NotFoundID("material", "material_id", r.MaterialID)
		}

		available, seen := remaining[r.MaterialID]
		if !seen {
			available = m.CurrentStock
			order = append(order, r.MaterialID)
		}

		if available.LessThan(r.Amount) {
			return nil, errors.InsufficientStock(r.MaterialID, r.Amount.String(), available.String())
		}

		remaining[r.MaterialID] = available.Sub(r.Amount)
		totals[r.MaterialID] = totals[r.MaterialID].Add(r.Amount)
	}

	deductions := make([]Deduction, 0, len(order))
	for _, id := range order {
		deductions = append(deductions, Deduction{
			MaterialID: id,
			Amount:     totals[id],
			Remaining:  remaining[id],
		})
	}
	return deductions, nil
}

// Merge folds requirement lines naming the same material into one deduction
// per material, in order of first appearance. Remaining is left zero.
func Merge(reqs []domain.Requirement) []Deduction {
	index := make(map[string]int, len(reqs))
	merged := make([]Deduction, 0, len(reqs))
	for _, r := range reqs {
		if i, ok := index[r.MaterialID]; ok {
			merged[i].Amount = merged[i].Amount.Add(r.Amount)
			continue
		}
		index[r.MaterialID] = len(merged)
		merged = append(merged, Deduction{MaterialID: r.MaterialID, Amount: r.Amount})
	}
	return merged
}

// ValidateRestock rejects non-positive restock amounts.
func ValidateRestock(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Validation(map[string]string{
			"amount": "must be greater than zero",
		})
	}
	return nil
}

// LowStock returns the materials that ended below their minimum threshold.
func LowStock(materials []*domain.RawMaterial) []*domain.RawMaterial {
	var low []*domain.RawMaterial
	for _, m := range materials {
		if m.BelowThreshold() {
			low = append(low, m)
		}
	}
	return low
}
