package mongo_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/lifecycle"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	provmongo "github.com/medflow/provenance-backend/internal/provenance/repository/mongo"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.TerminateMongoContainer(context.Background())
	os.Exit(code)
}

// integrationStore returns a store on a database of its own, dropped on cleanup.
func integrationStore(t *testing.T, appendRetries int) *provmongo.Store {
	t.Helper()
	mc := testutil.MustMongoContainer(t)
	ctx := context.Background()

	name := "prov_" + strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	if len(name) > 60 {
		name = name[:60]
	}
	store := provmongo.New(mc.Client, name, appendRetries, nil)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() {
		_ = mc.Client.Database(name).Drop(context.Background())
	})
	return store
}

func seed(t *testing.T, store repository.Store, materials []*domain.RawMaterial, products ...*domain.Product) {
	t.Helper()
	ctx := context.Background()
	for _, m := range materials {
		require.NoError(t, store.PutMaterial(ctx, m))
	}
	for _, p := range products {
		require.NoError(t, store.PutProduct(ctx, p))
	}
}

func batchFor(t *testing.T, id, productID string, qty int64) *domain.Batch {
	t.Helper()
	now := time.Now()
	b, err := chain.NewBatch(chain.Metadata{
		BatchID:          id,
		ProductID:        productID,
		QuantityProduced: decimal.NewFromInt(qty),
		ManufactureDate:  now,
		ExpiryDate:       now.AddDate(1, 0, 0),
	}, "admin", now)
	require.NoError(t, err)
	return b
}

func stockOf(t *testing.T, store repository.Store, id string) decimal.Decimal {
	t.Helper()
	m, err := store.GetMaterial(context.Background(), id)
	require.NoError(t, err)
	return m.CurrentStock
}

func TestMongoIntegration_CreateBatchDeducts(t *testing.T) {
	store := integrationStore(t, 5)
	ctx := context.Background()
	fx := testutil.NewFixtureFactory()

	seed(t, store, []*domain.RawMaterial{
		fx.Material(testutil.WithMaterialID("MAT-A"), testutil.WithStock("100.5", "10")),
		fx.Material(testutil.WithMaterialID("MAT-B"), testutil.WithStock("5", "1")),
	}, fx.Product(testutil.WithProductID("PRD-1")))

	touched, err := store.CreateBatchWithDeduction(ctx, []domain.Requirement{
		{MaterialID: "MAT-B", Amount: decimal.RequireFromString("4.25")},
		{MaterialID: "MAT-A", Amount: decimal.RequireFromString("0.5")},
	}, batchFor(t, "B-1", "PRD-1", 1))
	require.NoError(t, err)
	require.Len(t, touched, 2)

	testutil.AssertDecimal(t, "100", stockOf(t, store, "MAT-A"))
	testutil.AssertDecimal(t, "0.75", stockOf(t, store, "MAT-B"))

	got, err := store.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, got.Ledger, 1)
	assert.True(t, chain.Verify(got).Valid)
}

func TestMongoIntegration_FailedDeductionChangesNothing(t *testing.T) {
	store := integrationStore(t, 5)
	ctx := context.Background()
	fx := testutil.NewFixtureFactory()

	seed(t, store, []*domain.RawMaterial{
		fx.Material(testutil.WithMaterialID("MAT-A"), testutil.WithStock("100", "10")),
		fx.Material(testutil.WithMaterialID("MAT-B"), testutil.WithStock("5", "1")),
	}, fx.Product(testutil.WithProductID("PRD-1")))

	_, err := store.CreateBatchWithDeduction(ctx, []domain.Requirement{
		{MaterialID: "MAT-A", Amount: decimal.NewFromInt(20)},
		{MaterialID: "MAT-B", Amount: decimal.NewFromInt(10)},
	}, batchFor(t, "B-FAIL", "PRD-1", 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	_, err = store.CreateBatchWithDeduction(ctx, []domain.Requirement{
		{MaterialID: "MAT-A", Amount: decimal.NewFromInt(1)},
		{MaterialID: "MAT-Z", Amount: decimal.NewFromInt(1)},
	}, batchFor(t, "B-FAIL", "PRD-1", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	testutil.AssertDecimal(t, "100", stockOf(t, store, "MAT-A"))
	testutil.AssertDecimal(t, "5", stockOf(t, store, "MAT-B"))

	_, err = store.GetBatch(ctx, "B-FAIL")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMongoIntegration_NoOversell(t *testing.T) {
	store := integrationStore(t, 5)
	ctx := context.Background()
	fx := testutil.NewFixtureFactory()

	seed(t, store, []*domain.RawMaterial{
		fx.Material(testutil.WithMaterialID("MAT-A"), testutil.WithStock("10", "0")),
	}, fx.Product(testutil.WithProductID("PRD-1")))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateBatchWithDeduction(ctx, []domain.Requirement{
				{MaterialID: "MAT-A", Amount: decimal.NewFromInt(3)},
			}, batchFor(t, fmt.Sprintf("B-%02d", i), "PRD-1", 1))
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.True(t, errors.Is(err, errors.ErrInsufficientStock), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	testutil.AssertDecimal(t, "1", stockOf(t, store, "MAT-A"))

	batches, err := store.ListBatches(ctx, domain.BatchFilter{ProductID: "PRD-1"})
	require.NoError(t, err)
	assert.Len(t, batches, 3)
}

func TestMongoIntegration_DuplicateBatchDeductsOnce(t *testing.T) {
	store := integrationStore(t, 5)
	ctx := context.Background()
	fx := testutil.NewFixtureFactory()

	seed(t, store, []*domain.RawMaterial{
		fx.Material(testutil.WithMaterialID("MAT-A"), testutil.WithStock("100", "0")),
	}, fx.Product(testutil.WithProductID("PRD-1")))

	req := []domain.Requirement{{MaterialID: "MAT-A", Amount: decimal.NewFromInt(7)}}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.CreateBatchWithDeduction(ctx, req, batchFor(t, "B-SAME", "PRD-1", 7))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, errors.ErrDuplicateBatchID), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)
	testutil.AssertDecimal(t, "93", stockOf(t, store, "MAT-A"))
}

func TestMongoIntegration_ConcurrentAppendsDoNotFork(t *testing.T) {
	store := integrationStore(t, 20)
	ctx := context.Background()

	seed(t, store, nil, testutil.NewFixtureFactory().Product(testutil.WithProductID("PRD-1")))
	_, err := store.CreateBatchWithDeduction(ctx, nil, batchFor(t, "B-1", "PRD-1", 1))
	require.NoError(t, err)

	machine := lifecycle.New(false)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := domain.Statuses[i%len(domain.Statuses)]
			_, _, err := store.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
				return machine.Transition(b, status, fmt.Sprintf("user-%d", i), time.Now())
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	batch, err := store.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, batch.Ledger, 11)

	res := chain.Verify(batch)
	assert.True(t, res.Valid, "broken at %d: %s", res.BrokenAt, res.Reason)
	assert.Equal(t, chain.StatusEvent(batch.Status), batch.LastEntry().Event)
}

func TestMongoIntegration_MovedTailIsConflict(t *testing.T) {
	store := integrationStore(t, 1)
	ctx := context.Background()

	seed(t, store, nil, testutil.NewFixtureFactory().Product(testutil.WithProductID("PRD-1")))
	_, err := store.CreateBatchWithDeduction(ctx, nil, batchFor(t, "B-1", "PRD-1", 1))
	require.NoError(t, err)

	machine := lifecycle.New(false)
	_, _, err = store.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
		// another writer lands between our read and our compare-and-swap
		_, _, inner := store.AppendToLedger(ctx, "B-1", func(b *domain.Batch) (*domain.LedgerEntry, error) {
			return machine.Transition(b, domain.StatusQualityCheck, "other", time.Now())
		})
		require.NoError(t, inner)
		return machine.Transition(b, domain.StatusReleased, "admin", time.Now())
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	batch, err := store.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, batch.Ledger, 2)
	assert.Equal(t, domain.StatusQualityCheck, batch.Status)
	assert.True(t, chain.Verify(batch).Valid)
}
