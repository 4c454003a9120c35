package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/lifecycle"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMaterial(ctx, &domain.RawMaterial{ID: "MAT-A", CurrentStock: dec("100"), MinThreshold: dec("10")}))
	require.NoError(t, s.PutMaterial(ctx, &domain.RawMaterial{ID: "MAT-B", CurrentStock: dec("5"), MinThreshold: dec("1")}))
	return s
}

func batch(t *testing.T, id string) *domain.Batch {
	t.Helper()
	b, err := chain.NewBatch(chain.Metadata{
		BatchID:          id,
		ProductID:        "PRD-1",
		QuantityProduced: dec("1"),
		ManufactureDate:  t0,
		ExpiryDate:       t0.AddDate(1, 0, 0),
	}, "admin", t0)
	require.NoError(t, err)
	return b
}

func req(id, amount string) domain.Requirement {
	return domain.Requirement{MaterialID: id, Amount: dec(amount)}
}

func stock(t *testing.T, s *Store, id string) decimal.Decimal {
	t.Helper()
	m, err := s.GetMaterial(context.Background(), id)
	require.NoError(t, err)
	return m.CurrentStock
}

func TestCreateBatchWithDeduction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	touched, err := s.CreateBatchWithDeduction(ctx, []domain.Requirement{req("MAT-A", "30"), req("MAT-B", "4.5")}, batch(t, "B-1"))
	require.NoError(t, err)
	require.Len(t, touched, 2)

	assert.True(t, stock(t, s, "MAT-A").Equal(dec("70")))
	assert.True(t, stock(t, s, "MAT-B").Equal(dec("0.5")))
	assert.True(t, touched[1].BelowThreshold())

	m, _ := s.GetMaterial(ctx, "MAT-A")
	assert.True(t, m.UpdatedAt.Equal(t0))

	got, err := s.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	assert.Len(t, got.Ledger, 1)
}

func TestCreateBatchWithDeduction_Atomic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateBatchWithDeduction(ctx, []domain.Requirement{req("MAT-A", "30"), req("MAT-B", "6")}, batch(t, "B-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	assert.True(t, stock(t, s, "MAT-A").Equal(dec("100")))
	assert.True(t, stock(t, s, "MAT-B").Equal(dec("5")))

	_, err = s.GetBatch(ctx, "B-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCreateBatchWithDeduction_Duplicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateBatchWithDeduction(ctx, []domain.Requirement{req("MAT-A", "10")}, batch(t, "B-1"))
	require.NoError(t, err)

	_, err = s.CreateBatchWithDeduction(ctx, []domain.Requirement{req("MAT-A", "10")}, batch(t, "B-1"))
	assert.True(t, errors.Is(err, errors.ErrDuplicateBatchID))
	assert.True(t, stock(t, s, "MAT-A").Equal(dec("90")))
}

func TestCreateBatchWithDeduction_NoOversell(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateBatchWithDeduction(ctx, []domain.Requirement{req("MAT-B", "2")}, batch(t, fmt.Sprintf("B-%d", i)))
			if err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), ok.Load())
	assert.True(t, stock(t, s, "MAT-B").Equal(dec("1")))
}

func TestAppendToLedger_ConcurrentWritersDoNotFork(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateBatchWithDeduction(ctx, nil, batch(t, "B-1"))
	require.NoError(t, err)

	machine := lifecycle.New(false)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
				return machine.Transition(b, domain.Statuses[i%4], "user", t0.Add(time.Duration(i)*time.Second))
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	b, err := s.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	assert.Len(t, b.Ledger, 26)
	assert.True(t, chain.VerifyLinks(b.Ledger).Valid)
	assert.True(t, chain.Verify(b).Valid)
}

func TestAppendToLedger_MutationErrorKeepsBatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateBatchWithDeduction(ctx, nil, batch(t, "B-1"))
	require.NoError(t, err)

	_, _, err = s.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
		b.Status = domain.StatusShipped
		return nil, errors.BadRequest("nope")
	})
	require.Error(t, err)

	b, _ := s.GetBatch(ctx, "B-1")
	assert.Equal(t, domain.StatusInProduction, b.Status)
}

func TestAppendToLedger_NotFound(t *testing.T) {
	_, _, err := New().AppendToLedger(context.Background(), "nope", func(b *domain.Batch) (*domain.LedgerEntry, error) {
		return nil, nil
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestReadsReturnCopies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateBatchWithDeduction(ctx, nil, batch(t, "B-1"))
	require.NoError(t, err)

	b, _ := s.GetBatch(ctx, "B-1")
	b.Ledger[0].Hash = "forged"
	b.Status = domain.StatusShipped

	again, _ := s.GetBatch(ctx, "B-1")
	assert.NotEqual(t, "forged", again.Ledger[0].Hash)
	assert.Equal(t, domain.StatusInProduction, again.Status)
}

func TestListBatches_InsertionOrderAndFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"B-3", "B-1", "B-2"} {
		_, err := s.CreateBatchWithDeduction(ctx, nil, batch(t, id))
		require.NoError(t, err)
	}
	_, _, err := s.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
		return lifecycle.New(false).Transition(b, domain.StatusReleased, "qa", t0)
	})
	require.NoError(t, err)

	all, err := s.ListBatches(ctx, domain.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B-3", all[0].BatchID)
	assert.Equal(t, "B-1", all[1].BatchID)

	released, err := s.ListBatches(ctx, domain.BatchFilter{Status: domain.StatusReleased})
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "B-1", released[0].BatchID)
}

func TestRestock(t *testing.T) {
	s := newStore(t)

	m, err := s.Restock(context.Background(), "MAT-B", dec("2.5"), t0)
	require.NoError(t, err)
	assert.True(t, m.CurrentStock.Equal(dec("7.5")))

	_, err = s.Restock(context.Background(), "MAT-404", dec("1"), t0)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestTamper(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateBatchWithDeduction(ctx, nil, batch(t, "B-1"))
	require.NoError(t, err)

	assert.True(t, s.Tamper("B-1", 0, func(e *domain.LedgerEntry) { e.Hash = "00" }))
	assert.False(t, s.Tamper("B-1", 5, func(e *domain.LedgerEntry) {}))

	b, _ := s.GetBatch(ctx, "B-1")
	assert.False(t, chain.Verify(b).Valid)
}
