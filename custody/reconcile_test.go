package custody_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
)

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestReconcileBatch_ConsistentAfterFullLifecycle(t *testing.T) {
	// GIVEN: A batch driven through ship, sell, return, recall, dispose
	// WHEN: Replaying its movement log
	// THEN: The replay reproduces the stored availability exactly

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 200, price("4.99")))
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-2", 100, price("4.99")))

	_, err := engine.SellToConsumer(ctx, "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 15, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)
	require.NoError(t, engine.ReturnToManufacturer(ctx, batch.ID, "ret-2", 25, ""))
	require.NoError(t, engine.Transfer(ctx, batch.ID, "ret-1", "ret-2", 10))

	_, err = engine.Recall(ctx, batch.ID, "drill")
	require.NoError(t, err)

	pulled, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Dispose(ctx, batch.ID,
		ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-1"},
		pulled.QuantityAvailable, "destroyed after drill"))

	result, err := engine.ReconcileBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, result.Consistent(), "stored %d, replayed %d", result.Stored, result.Replayed)
	assert.Equal(t, int64(0), result.Drift())
	assert.Equal(t, int64(0), result.Stored, "everything disposed")
}

func TestReconcileBatch_DetectsDrift(t *testing.T) {
	// GIVEN: A consistent batch whose cached quantity is then corrupted
	//        behind the engine's back
	// WHEN: Replaying
	// THEN: Drift is reported, not auto-corrected

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)
	require.NoError(t, store.SetBatchAvailable(ctx, batch.ID, 97))

	result, err := engine.ReconcileBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, result.Consistent())
	assert.Equal(t, int64(97), result.Stored)
	assert.Equal(t, int64(100), result.Replayed)
	assert.Equal(t, int64(-3), result.Drift())

	// The stored value stays wrong until a human intervenes.
	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(97), got.QuantityAvailable)
}

func TestReconcileAll_PersistsRunRows(t *testing.T) {
	// GIVEN: Two batches, one consistent and one drifted
	// WHEN: Running a full sweep
	// THEN: One run row per batch with the matching status

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	good := mustManufacture(t, engine, "ACME-GOOD", 100)
	bad := mustManufacture(t, engine, "ACME-BAD", 100)
	require.NoError(t, store.SetBatchAvailable(ctx, bad.ID, 90))

	results, err := engine.ReconcileAll(ctx, store)
	require.NoError(t, err)
	require.Len(t, results, 2)

	runs, err := store.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byBatch := map[string]custody.ReconciliationRun{}
	for _, run := range runs {
		byBatch[run.BatchID] = run
	}
	assert.Equal(t, "consistent", byBatch[good.ID].Status)
	assert.Equal(t, "drift", byBatch[bad.ID].Status)
	assert.Equal(t, int64(90), byBatch[bad.ID].Stored)
	assert.Equal(t, int64(100), byBatch[bad.ID].Replayed)
}

func TestRunner_StartStop(t *testing.T) {
	// GIVEN: A runner on a short interval
	// WHEN: Letting it tick at least once, then stopping
	// THEN: Run rows exist and Stop returns without hanging

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	mustManufacture(t, engine, "ACME-2026-001", 100)

	runner := custody.NewRunner(engine, store, zap.NewNop())
	runner.Interval = 10 * time.Millisecond
	runner.Start()

	assert.Eventually(t, func() bool {
		runs, err := store.ListReconciliationRuns(ctx, 10)
		return err == nil && len(runs) > 0
	}, 2*time.Second, 20*time.Millisecond)

	runner.Stop()
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	// GIVEN: A started runner
	// WHEN: Stopping it twice, as layered shutdown paths tend to do
	// THEN: The second Stop is a no-op rather than a panic

	engine, store := newTestEngine(t)
	seedWorld(t, store)

	runner := custody.NewRunner(engine, store, zap.NewNop())
	runner.Interval = time.Hour
	runner.Start()

	runner.Stop()
	assert.NotPanics(t, func() { runner.Stop() })
}
