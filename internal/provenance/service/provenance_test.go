package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/chain"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/events"
	"github.com/medflow/provenance-backend/internal/provenance/expiry"
	"github.com/medflow/provenance-backend/internal/provenance/repository/memory"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/messaging"
	"github.com/medflow/provenance-backend/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *ProvenanceService
	store     *memory.Store
	published *testutil.MockPublisher
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	f := testutil.NewFixtureFactory()
	require.NoError(t, store.PutMaterial(ctx, f.Material(testutil.WithMaterialID("MAT-API"), testutil.WithStock("100", "20"))))
	require.NoError(t, store.PutMaterial(ctx, f.Material(testutil.WithMaterialID("MAT-EXC"), testutil.WithStock("10", "2"))))
	require.NoError(t, store.PutProduct(ctx, f.Product(testutil.WithProductID("PRD-TAB"),
		testutil.WithFormulaLine("MAT-API", "2"),
		testutil.WithFormulaLine("MAT-EXC", "0.5"))))
	require.NoError(t, store.PutProduct(ctx, f.Product(testutil.WithProductID("PRD-EMPTY"))))

	published := testutil.NewMockPublisher()
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return now }
	}
	svc := NewProvenanceService(store, events.NewWithPublisher(published, nil), nil, opts)

	return &fixture{svc: svc, store: store, published: published}
}

func input(batchID, productID, qty string) CreateBatchInput {
	return CreateBatchInput{
		BatchID:          batchID,
		ProductID:        productID,
		QuantityProduced: decimal.RequireFromString(qty),
		ManufactureDate:  now,
		ExpiryDate:       now.AddDate(2, 0, 0),
		Actor:            "admin-1",
	}
}

func stockOf(t *testing.T, f *fixture, id string) string {
	t.Helper()
	m, err := f.svc.GetMaterial(context.Background(), id)
	require.NoError(t, err)
	return m.CurrentStock.String()
}

func TestCreateBatch_DeductsFormulaAndWritesGenesis(t *testing.T) {
	f := setup(t, Options{})

	batch, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-TAB", "10"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusInProduction, batch.Status)
	assert.Equal(t, "80", stockOf(t, f, "MAT-API"))
	assert.Equal(t, "5", stockOf(t, f, "MAT-EXC"))

	require.Len(t, batch.Ledger, 1)
	assert.Equal(t, chain.RootHash, batch.Ledger[0].PreviousHash)
	assert.Equal(t, chain.EventBatchCreated, batch.Ledger[0].Event)
	assert.Equal(t, "admin-1", batch.Ledger[0].Actor)

	f.published.AssertEventPublished(t, messaging.EventBatchCreated)
	created := f.published.Events(messaging.EventBatchCreated)[0].Payload.(messaging.BatchCreatedEvent)
	assert.Equal(t, batch.Ledger[0].Hash, created.GenesisHash)
	require.Len(t, created.Deductions, 2)
	assert.Equal(t, "20", created.Deductions[0].Amount.String())
	assert.Equal(t, "80", created.Deductions[0].Remaining.String())
}

func TestCreateBatch_InsufficientStockChangesNothing(t *testing.T) {
	f := setup(t, Options{})

	// MAT-API covers 30 units but MAT-EXC only 20
	_, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-TAB", "30"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "MAT-EXC", appErr.Details["material_id"])
	assert.Equal(t, "15", appErr.Details["required"])
	assert.Equal(t, "10", appErr.Details["available"])

	assert.Equal(t, "100", stockOf(t, f, "MAT-API"))
	assert.Equal(t, "10", stockOf(t, f, "MAT-EXC"))

	_, err = f.svc.GetBatch(context.Background(), "B-001")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	f.published.AssertNoEventsPublished(t)
}

func TestCreateBatch_DuplicateIDDeductsOnce(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "10"))
	require.NoError(t, err)

	_, err = f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateBatchID))

	assert.Equal(t, "80", stockOf(t, f, "MAT-API"))
	assert.Len(t, f.published.Events(messaging.EventBatchCreated), 1)
}

func TestCreateBatch_ConcurrentCallsNeverOversell(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	// each batch of 4 needs 2 of MAT-EXC; 10 in stock covers five
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateBatch(ctx, input(fmt.Sprintf("B-%03d", i), "PRD-TAB", "4"))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, "0", stockOf(t, f, "MAT-EXC"))
	assert.Equal(t, "60", stockOf(t, f, "MAT-API"))
}

func TestCreateBatch_EmptyFormulaDeductsNothing(t *testing.T) {
	f := setup(t, Options{})

	batch, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-EMPTY", "1000"))
	require.NoError(t, err)
	assert.Len(t, batch.Ledger, 1)
	assert.Equal(t, "100", stockOf(t, f, "MAT-API"))
}

func TestCreateBatch_Validation(t *testing.T) {
	f := setup(t, Options{})

	tests := []struct {
		name   string
		mutate func(in *CreateBatchInput)
		field  string
	}{
		{"missing batch id", func(in *CreateBatchInput) { in.BatchID = "" }, "batch_id"},
		{"zero quantity", func(in *CreateBatchInput) { in.QuantityProduced = decimal.Zero }, "quantity_produced"},
		{"negative quantity", func(in *CreateBatchInput) { in.QuantityProduced = decimal.NewFromInt(-1) }, "quantity_produced"},
		{"expiry before manufacture", func(in *CreateBatchInput) { in.ExpiryDate = now.AddDate(0, 0, -1) }, "expiry_date"},
		{"expiry equals manufacture", func(in *CreateBatchInput) { in.ExpiryDate = now }, "expiry_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("B-001", "PRD-TAB", "1")
			tt.mutate(&in)

			_, err := f.svc.CreateBatch(context.Background(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Contains(t, appErr.Details, tt.field)
		})
	}
}

func TestCreateBatch_UnknownProduct(t *testing.T) {
	f := setup(t, Options{})

	_, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-404", "1"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCreateBatch_LowStockEvents(t *testing.T) {
	f := setup(t, Options{LowStockEvents: true})

	// leaves MAT-API at 60 (above 20) and MAT-EXC at 0 (below 2)
	_, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-TAB", "20"))
	require.NoError(t, err)

	low := f.published.Events(messaging.EventMaterialLowStock)
	require.Len(t, low, 1)
	event := low[0].Payload.(messaging.MaterialLowStockEvent)
	assert.Equal(t, "MAT-EXC", event.MaterialID)
	assert.Equal(t, "B-001", event.BatchID)
}

func TestCreateBatch_PublishFailureDoesNotFail(t *testing.T) {
	f := setup(t, Options{LowStockEvents: true})
	f.published.Err = fmt.Errorf("broker down")

	_, err := f.svc.CreateBatch(context.Background(), input("B-001", "PRD-TAB", "20"))
	require.NoError(t, err)
	assert.Equal(t, "0", stockOf(t, f, "MAT-EXC"))
}

func TestUpdateStatus_AppendsLinkedEntry(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
	require.NoError(t, err)

	batch, err := f.svc.UpdateStatus(ctx, "B-001", domain.StatusShipped, "ops-2")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusShipped, batch.Status)
	require.Len(t, batch.Ledger, 2)
	assert.Equal(t, chain.StatusEvent(domain.StatusShipped), batch.Ledger[1].Event)
	assert.Equal(t, batch.Ledger[0].Hash, batch.Ledger[1].PreviousHash)

	changed := f.published.Events(messaging.EventBatchStatusChanged)
	require.Len(t, changed, 1)
	event := changed[0].Payload.(messaging.BatchStatusChangedEvent)
	assert.Equal(t, "in_production", event.From)
	assert.Equal(t, "shipped", event.To)
	assert.Equal(t, events.TriggerManual, event.Trigger)
}

func TestUpdateStatus_StrictPolicy(t *testing.T) {
	f := setup(t, Options{StrictTransitions: true})
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, "B-001", domain.StatusShipped, "ops")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	batch, err := f.svc.UpdateStatus(ctx, "B-001", domain.StatusQualityCheck, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQualityCheck, batch.Status)
	assert.Len(t, batch.Ledger, 2)
}

func TestUpdateStatus_UnknownBatchAndStatus(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, "B-404", domain.StatusReleased, "ops")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, "B-001", domain.Status("recalled"), "ops")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	chainEntries, err := f.svc.GetChain(ctx, "B-001")
	require.NoError(t, err)
	assert.Len(t, chainEntries, 1)
}

func TestApplyQualityOutcome(t *testing.T) {
	t.Run("pass releases with exactly one entry", func(t *testing.T) {
		f := setup(t, Options{})
		ctx := context.Background()
		_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, "B-001", domain.StatusQualityCheck, "ops")
		require.NoError(t, err)

		batch, entry, err := f.svc.ApplyQualityOutcome(ctx, "B-001", domain.QualityPass, "qa-1")
		require.NoError(t, err)
		require.NotNil(t, entry)

		assert.Equal(t, domain.StatusReleased, batch.Status)
		assert.Len(t, batch.Ledger, 3)
		assert.Equal(t, chain.StatusEvent(domain.StatusReleased), entry.Event)

		changed := f.published.Events(messaging.EventBatchStatusChanged)
		require.Len(t, changed, 2)
		assert.Equal(t, events.TriggerQualityCheck, changed[1].Payload.(messaging.BatchStatusChangedEvent).Trigger)
	})

	t.Run("fail writes nothing", func(t *testing.T) {
		f := setup(t, Options{})
		ctx := context.Background()
		_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, "B-001", domain.StatusQualityCheck, "ops")
		require.NoError(t, err)
		f.published.Reset()

		batch, entry, err := f.svc.ApplyQualityOutcome(ctx, "B-001", domain.QualityFail, "qa-1")
		require.NoError(t, err)
		assert.Nil(t, entry)
		assert.Equal(t, domain.StatusQualityCheck, batch.Status)
		assert.Len(t, batch.Ledger, 2)
		f.published.AssertNoEventsPublished(t)
	})

	t.Run("unknown outcome", func(t *testing.T) {
		f := setup(t, Options{})
		_, _, err := f.svc.ApplyQualityOutcome(context.Background(), "B-001", "maybe", "qa")
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})
}

func TestVerifyChain(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "1"))
	require.NoError(t, err)
	for _, st := range []domain.Status{domain.StatusQualityCheck, domain.StatusReleased, domain.StatusShipped} {
		_, err = f.svc.UpdateStatus(ctx, "B-001", st, "ops")
		require.NoError(t, err)
	}

	result, err := f.svc.VerifyChain(ctx, "B-001")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.Length)
	assert.Equal(t, -1, result.BrokenAt)

	require.True(t, f.store.Tamper("B-001", 2, func(e *domain.LedgerEntry) { e.PreviousHash = "forged" }))

	result, err = f.svc.VerifyChain(ctx, "B-001")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.LessOrEqual(t, result.BrokenAt, 2)

	_, err = f.svc.EnsureChainIntact(ctx, "B-001")
	assert.True(t, errors.Is(err, errors.ErrChainIntegrityViolation))

	_, err = f.svc.VerifyChain(ctx, "B-404")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSuggestFEFO(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	expiries := map[string]time.Time{
		"B-MAR": time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		"B-JAN": time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		"B-FEB": time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		"B-OLD": time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		"B-HLD": time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
	}
	for _, id := range []string{"B-MAR", "B-JAN", "B-FEB", "B-OLD", "B-HLD"} {
		in := input(id, "PRD-TAB", "1")
		in.ManufactureDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		in.ExpiryDate = expiries[id]
		_, err := f.svc.CreateBatch(ctx, in)
		require.NoError(t, err)
		if id != "B-HLD" {
			_, err = f.svc.UpdateStatus(ctx, id, domain.StatusReleased, "qa")
			require.NoError(t, err)
		}
	}

	batches, err := f.svc.SuggestFEFO(ctx, "PRD-TAB")
	require.NoError(t, err)

	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.BatchID
	}
	assert.Equal(t, []string{"B-JAN", "B-FEB", "B-MAR"}, ids)

	none, err := f.svc.SuggestFEFO(ctx, "PRD-EMPTY")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetExpiryHeatmap(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	create := func(id string, exp time.Time) {
		in := input(id, "PRD-EMPTY", "1")
		in.ManufactureDate = now.AddDate(-1, 0, 0)
		in.ExpiryDate = exp
		_, err := f.svc.CreateBatch(ctx, in)
		require.NoError(t, err)
	}
	create("B-EXPIRED", now.Add(-time.Second))
	create("B-30D", now.Add(expiry.CriticalWindow))
	create("B-31D", now.Add(expiry.CriticalWindow+time.Second))
	create("B-90D", now.Add(expiry.CautionWindow))
	create("B-FAR", now.AddDate(1, 0, 0))

	heatmap, err := f.svc.GetExpiryHeatmap(ctx, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, now, heatmap.GeneratedAt)
	require.Len(t, heatmap.Expired, 1)
	assert.Equal(t, "B-EXPIRED", heatmap.Expired[0].BatchID)
	require.Len(t, heatmap.Critical, 1)
	assert.Equal(t, "B-30D", heatmap.Critical[0].BatchID)
	require.Len(t, heatmap.Warning, 1)
	assert.Equal(t, "B-31D", heatmap.Warning[0].BatchID)
	require.Len(t, heatmap.Caution, 1)
	assert.Equal(t, "B-90D", heatmap.Caution[0].BatchID)
}

func TestRestock(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	m, err := f.svc.Restock(ctx, "MAT-EXC", decimal.RequireFromString("7.25"), "store-1")
	require.NoError(t, err)
	assert.Equal(t, "17.25", m.CurrentStock.String())
	f.published.AssertEventPublished(t, messaging.EventMaterialRestocked)

	_, err = f.svc.Restock(ctx, "MAT-EXC", decimal.Zero, "store-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.svc.Restock(ctx, "MAT-404", decimal.NewFromInt(1), "store-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestGetQRPayload(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, input("B-001", "PRD-TAB", "12.5"))
	require.NoError(t, err)

	payload, err := f.svc.GetQRPayload(ctx, "B-001")
	require.NoError(t, err)
	assert.Equal(t, "B-001", payload.BatchID)
	assert.Equal(t, "12.5", payload.QuantityProduced.String())
	assert.Equal(t, now, payload.MfgDate)
}

func TestListBatches_RejectsUnknownStatus(t *testing.T) {
	f := setup(t, Options{})

	_, err := f.svc.ListBatches(context.Background(), domain.BatchFilter{Status: "lost"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
