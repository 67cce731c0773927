package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
	"github.com/custodia/trace-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedBatch inserts the manufacturer/product/batch chain the movement
// table's foreign keys require.
func seedBatch(t *testing.T, store *sqlite.Store, batchID string) {
	ctx := context.Background()
	require.NoError(t, store.SaveParty(ctx, custody.Party{
		ID: "mfg-1", Type: ledger.PartyManufacturer, Name: "Acme Labs", CreatedAt: testNow,
	}))
	require.NoError(t, store.SaveProduct(ctx, custody.Product{
		ID: "prod-1", ManufacturerID: "mfg-1", Name: "Mint Pouch", Category: "pouch", CreatedAt: testNow,
	}))
	require.NoError(t, store.InsertBatch(ctx, custody.Batch{
		ID:                batchID,
		Reference:         "REF-" + batchID,
		ProductID:         "prod-1",
		ManufactureDate:   testNow.AddDate(0, -1, 0),
		ExpiryDate:        testNow.AddDate(2, 0, 0),
		QuantityProduced:  100,
		QuantityAvailable: 100,
		Attributes:        map[string]string{"flavor": "mint"},
		CreatedAt:         testNow,
	}))
}

func movement(id, batchID string, at time.Time) ledger.Movement {
	return ledger.Movement{
		ID:         id,
		Kind:       ledger.KindManufacture,
		BatchID:    batchID,
		Source:     ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-1"},
		Quantity:   1,
		OccurredAt: at,
		CreatedAt:  testNow,
	}
}

// =============================================================================
// MOVEMENT ORDERING
// =============================================================================

func TestMovementsByBatch_OrderedByTimestampThenSeq(t *testing.T) {
	// GIVEN: Movements inserted out of timestamp order, plus two sharing a
	//        timestamp
	// WHEN: Reading them back
	// THEN: Timestamp ascending, ties in insertion order

	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	late := movement("mv-late", "b-1", testNow.Add(2*time.Hour))
	early := movement("mv-early", "b-1", testNow)
	tieA := movement("mv-tie-a", "b-1", testNow.Add(time.Hour))
	tieB := movement("mv-tie-b", "b-1", testNow.Add(time.Hour))

	for _, m := range []ledger.Movement{late, early, tieA, tieB} {
		require.NoError(t, store.AppendMovement(ctx, m))
	}

	got, err := store.MovementsByBatch(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, got, 4)

	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"mv-early", "mv-tie-a", "mv-tie-b", "mv-late"}, ids)
	assert.Less(t, got[1].Seq, got[2].Seq, "tie broken by commit order")
}

// =============================================================================
// TRANSACTION SEMANTICS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	sentinel := &ledger.ValidationError{Field: "x", Message: "boom"}
	err := store.WithTx(ctx, func(tx custody.Store) error {
		if err := tx.SetBatchAvailable(ctx, "b-1", 50); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, ledger.ErrValidation)

	batch, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), batch.QuantityAvailable, "write rolled back")
}

func TestWithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx custody.Store) error {
		if err := tx.SetBatchAvailable(ctx, "b-1", 42); err != nil {
			return err
		}
		batch, err := tx.GetBatch(ctx, "b-1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(42), batch.QuantityAvailable,
			"in-transaction read observes the in-transaction write")
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_NestedReusesTransaction(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx custody.Store) error {
		return tx.WithTx(ctx, func(inner custody.Store) error {
			return inner.SetBatchAvailable(ctx, "b-1", 7)
		})
	})
	require.NoError(t, err)

	batch, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), batch.QuantityAvailable)
}

// =============================================================================
// ROUNDTRIPS AND EDGES
// =============================================================================

func TestSetBatchAvailable_MissingBatch(t *testing.T) {
	store := newTestStore(t)
	err := store.SetBatchAvailable(context.Background(), "no-such-batch", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGetBatch_PreservesAttributesAndDates(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")

	batch, err := store.GetBatch(context.Background(), "b-1")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, map[string]string{"flavor": "mint"}, batch.Attributes)
	assert.True(t, batch.ExpiryDate.Equal(testNow.AddDate(2, 0, 0)))

	byRef, err := store.GetBatchByReference(context.Background(), "REF-b-1")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, "b-1", byRef.ID)
}

func TestPurchaseRoundtrip_AnonymousConsumer(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	purchase := custody.Purchase{
		ID:          "pur-1",
		RetailerID:  "mfg-1", // any existing party satisfies the FK
		ConsumerID:  nil,
		TotalAmount: decimal.RequireFromString("9.98"),
		CreatedAt:   testNow,
		Items: []custody.PurchaseItem{{
			ID:         "item-1",
			PurchaseID: "pur-1",
			ProductID:  "prod-1",
			BatchID:    "b-1",
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("4.99"),
		}},
	}
	require.NoError(t, store.InsertPurchase(ctx, purchase))

	got, err := store.GetPurchase(ctx, "pur-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ConsumerID, "anonymous stays anonymous")
	assert.True(t, got.TotalAmount.Equal(purchase.TotalAmount))
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(2), got.Items[0].Quantity)
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1")
	ctx := context.Background()

	require.NoError(t, store.AppendMovement(ctx, movement("mv-1", "b-1", testNow)))
	require.NoError(t, store.Reset(ctx))

	batch, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, batch)

	batches, err := store.ListBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
