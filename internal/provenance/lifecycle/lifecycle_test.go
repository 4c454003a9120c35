package lifecycle

import (
	"testing"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newBatch(t *testing.T) *domain.Batch {
	t.Helper()
	b, err := chain.NewBatch(chain.Metadata{
		BatchID:          "B-100",
		ProductID:        "P-1",
		QuantityProduced: decimal.NewFromInt(50),
		ManufactureDate:  t0,
		ExpiryDate:       t0.AddDate(2, 0, 0),
	}, "admin", t0)
	require.NoError(t, err)
	return b
}

func TestTransition_AppendsStatusEntry(t *testing.T) {
	m := New(false)
	b := newBatch(t)

	entry, err := m.Transition(b, domain.StatusQualityCheck, "qa", t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusQualityCheck, b.Status)
	require.Len(t, b.Ledger, 2)
	assert.Equal(t, "status.quality_check", entry.Event)
	assert.Equal(t, b.Ledger[1], *entry)
	assert.True(t, chain.Verify(b).Valid)
}

func TestTransition_PermissiveAllowsBackwards(t *testing.T) {
	m := New(false)
	b := newBatch(t)
	b.Status = domain.StatusShipped

	_, err := m.Transition(b, domain.StatusInProduction, "admin", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProduction, b.Status)
}

func TestTransition_UnknownStatus(t *testing.T) {
	b := newBatch(t)

	_, err := New(false).Transition(b, domain.Status("recalled"), "admin", t0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Len(t, b.Ledger, 1)
}

func TestTransition_Strict(t *testing.T) {
	m := New(true)

	tests := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusInProduction, domain.StatusQualityCheck, true},
		{domain.StatusQualityCheck, domain.StatusReleased, true},
		{domain.StatusReleased, domain.StatusShipped, true},
		{domain.StatusInProduction, domain.StatusReleased, false},
		{domain.StatusShipped, domain.StatusReleased, false},
		{domain.StatusReleased, domain.StatusReleased, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			b := newBatch(t)
			b.Status = tt.from

			_, err := m.Transition(b, tt.to, "admin", t0.Add(time.Minute))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, b.Status)
				return
			}

			assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
			assert.Equal(t, tt.from, b.Status)
			assert.Len(t, b.Ledger, 1)

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, string(tt.to), appErr.Details["to"])
		})
	}
}

func TestApplyQualityOutcome_PassReleases(t *testing.T) {
	m := New(false)
	b := newBatch(t)
	b.Status = domain.StatusQualityCheck

	entry, err := m.ApplyQualityOutcome(b, domain.QualityPass, "qa", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, domain.StatusReleased, b.Status)
	assert.Len(t, b.Ledger, 2)
	assert.Equal(t, "status.released", entry.Event)
}

func TestApplyQualityOutcome_FailIsNoop(t *testing.T) {
	m := New(false)
	b := newBatch(t)
	b.Status = domain.StatusQualityCheck

	entry, err := m.ApplyQualityOutcome(b, domain.QualityFail, "qa", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.StatusQualityCheck, b.Status)
	assert.Len(t, b.Ledger, 1)
}

func TestApplyQualityOutcome_Unknown(t *testing.T) {
	_, err := New(false).ApplyQualityOutcome(newBatch(t), domain.QualityOutcome("maybe"), "qa", t0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
