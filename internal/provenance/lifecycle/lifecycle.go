// Package lifecycle governs batch status transitions and their ledger entries.
package lifecycle

import (
	"net/http"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
)

// Policy decides whether a status change is permitted.
type Policy interface {
	Allow(from, to domain.Status) bool
}

// Permissive allows any known status to follow any other.
type Permissive struct{}

func (Permissive) Allow(from, to domain.Status) bool {
	return to.Valid()
}

// Strict only allows one step forward along InProduction, QualityCheck, Released, Shipped.
type Strict struct{}

func (Strict) Allow(from, to domain.Status) bool {
	return to.Valid() && from.Valid() && to.Rank() == from.Rank()+1
}

// Machine applies transitions to a batch the caller has locked.
type Machine struct {
	policy Policy
}

// New returns a machine with the strict policy when strict is set, otherwise permissive.
func New(strict bool) *Machine {
	if strict {
		return &Machine{policy: Strict{}}
	}
	return &Machine{policy: Permissive{}}
}

// Transition appends the status entry and then sets the status. On error the
// batch is left untouched.
func (m *Machine) Transition(b *domain.Batch, to domain.Status, actor string, at time.Time) (*domain.LedgerEntry, error) {
	if !to.Valid() {
		return nil, errors.Validation(map[string]string{
			"status": "must be one of: in_production, quality_check, released, shipped",
		})
	}
	if !m.policy.Allow(b.Status, to) {
		return nil, errors.InvalidTransition(b.BatchID, string(b.Status), string(to))
	}

	entry, err := chain.Append(b, chain.StatusEvent(to), actor, at)
	if err != nil {
		return nil, errors.Wrap(err, "LEDGER_APPEND_FAILED", "failed to append ledger entry", http.StatusInternalServerError)
	}
	b.Status = to
	return &entry, nil
}

// ApplyQualityOutcome releases the batch on pass. A fail appends nothing,
// leaves the status alone and returns a nil entry.
func (m *Machine) ApplyQualityOutcome(b *domain.Batch, outcome domain.QualityOutcome, actor string, at time.Time) (*domain.LedgerEntry, error) {
	switch outcome {
	case domain.QualityPass:
		return m.Transition(b, domain.StatusReleased, actor, at)
	case domain.QualityFail:
		return nil, nil
	default:
		return nil, errors.Validation(map[string]string{
			"outcome": "must be pass or fail",
		})
	}
}
