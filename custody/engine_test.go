package custody_test

import (
	"context"
	"sync"
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

func newTestEngine(t *testing.T) (*custody.Engine, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := custody.NewEngine(store)
	engine.Now = func() time.Time { return testNow }
	return engine, store
}

// seedWorld registers one manufacturer, two retailers, one consumer, and
// one pouch product, returning nothing; ids are fixed.
func seedWorld(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()
	parties := []custody.Party{
		{ID: "mfg-1", Type: ledger.PartyManufacturer, Name: "Acme Labs", CreatedAt: testNow},
		{ID: "ret-1", Type: ledger.PartyRetailer, Name: "Main Street Pharmacy", CreatedAt: testNow},
		{ID: "ret-2", Type: ledger.PartyRetailer, Name: "Depot Kiosk", CreatedAt: testNow},
		{ID: "con-1", Type: ledger.PartyConsumer, Name: "Jane Doe", CreatedAt: testNow},
	}
	for _, p := range parties {
		require.NoError(t, store.SaveParty(ctx, p))
	}
	require.NoError(t, store.SaveProduct(ctx, custody.Product{
		ID:             "prod-1",
		ManufacturerID: "mfg-1",
		Name:           "Mint Pouch 6mg",
		Category:       "pouch",
		CreatedAt:      testNow,
	}))
}

func testBatchFields(reference string, produced int64) custody.BatchFields {
	return custody.BatchFields{
		Reference:        reference,
		ManufactureDate:  testNow.AddDate(0, -1, 0),
		ExpiryDate:       testNow.AddDate(2, 0, 0),
		QuantityProduced: produced,
		Attributes: map[string]string{
			"nicotine_mg":    "6",
			"units_per_pack": "20",
			"flavor":         "mint",
		},
	}
}

func mustManufacture(t *testing.T, e *custody.Engine, reference string, produced int64) *custody.Batch {
	batch, err := e.RecordManufacture(context.Background(), "prod-1", testBatchFields(reference, produced))
	require.NoError(t, err)
	return batch
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// MANUFACTURE TESTS
// =============================================================================

func TestRecordManufacture_CreatesBatchAndGenesisMovement(t *testing.T) {
	// GIVEN: A registered product
	// WHEN: Recording production of 500 units
	// THEN: Batch exists with available == produced and the ledger holds
	//       exactly one manufacture self-loop dated at the manufacture date

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)

	assert.Equal(t, int64(500), batch.QuantityProduced)
	assert.Equal(t, int64(500), batch.QuantityAvailable)
	assert.Equal(t, "ACME-2026-001", batch.Reference)

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)

	genesis := movements[0]
	assert.Equal(t, ledger.KindManufacture, genesis.Kind)
	assert.Equal(t, int64(500), genesis.Quantity)
	assert.Equal(t, "mfg-1", genesis.Source.ID)
	require.NotNil(t, genesis.Destination)
	assert.Equal(t, "mfg-1", genesis.Destination.ID, "genesis is a self-loop")
	assert.True(t, genesis.OccurredAt.Equal(batch.ManufactureDate))
}

func TestRecordManufacture_MintsReferenceWhenEmpty(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)

	batch := mustManufacture(t, engine, "", 100)
	assert.NotEmpty(t, batch.Reference)
}

func TestRecordManufacture_Rejections(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	t.Run("unknown product", func(t *testing.T) {
		_, err := engine.RecordManufacture(ctx, "prod-missing", testBatchFields("X-1", 10))
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("zero quantity", func(t *testing.T) {
		fields := testBatchFields("X-2", 0)
		_, err := engine.RecordManufacture(ctx, "prod-1", fields)
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})

	t.Run("expiry before manufacture", func(t *testing.T) {
		fields := testBatchFields("X-3", 10)
		fields.ExpiryDate = fields.ManufactureDate.AddDate(0, 0, -1)
		_, err := engine.RecordManufacture(ctx, "prod-1", fields)
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})

	t.Run("bad documented attribute", func(t *testing.T) {
		fields := testBatchFields("X-4", 10)
		fields.Attributes["nicotine_mg"] = "-3"
		_, err := engine.RecordManufacture(ctx, "prod-1", fields)
		require.ErrorIs(t, err, ledger.ErrValidation)

		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "attributes.nicotine_mg", verr.Field)
	})

	t.Run("duplicate reference", func(t *testing.T) {
		mustManufacture(t, engine, "DUP-1", 10)
		_, err := engine.RecordManufacture(ctx, "prod-1", testBatchFields("DUP-1", 10))
		assert.Error(t, err, "batch references are unique")
	})
}

// =============================================================================
// SHIPMENT TESTS
// =============================================================================

func TestShipToRetailer_MovesStockIntoPosition(t *testing.T) {
	// GIVEN: A batch of 500
	// WHEN: Shipping 200 to a retailer at 4.99
	// THEN: Availability drops to 300 and the retailer's position holds 200

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 200, price("4.99")))

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.QuantityAvailable)

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(200), pos.QuantityInStock)
	assert.True(t, pos.UnitPrice.Equal(price("4.99")))
}

func TestShipToRetailer_SecondShipmentAddsToPosition(t *testing.T) {
	// GIVEN: A retailer already holding 100 at 4.99
	// WHEN: Shipping 50 more at 5.49
	// THEN: The position holds 150 at the new price

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 100, price("4.99")))
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 50, price("5.49")))

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), pos.QuantityInStock)
	assert.True(t, pos.UnitPrice.Equal(price("5.49")))
}

func TestShipToRetailer_InsufficientAvailability(t *testing.T) {
	// GIVEN: A batch with 10 available
	// WHEN: Shipping 11
	// THEN: InsufficientQuantityError naming the manufacturer as holder,
	//       and nothing changed

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 10)
	err := engine.ShipToRetailer(ctx, batch.ID, "ret-1", 11, price("4.99"))

	var iqe *ledger.InsufficientQuantityError
	require.ErrorAs(t, err, &iqe)
	assert.Equal(t, int64(10), iqe.Available)
	assert.Equal(t, int64(11), iqe.Requested)
	assert.Equal(t, ledger.PartyManufacturer, iqe.Holder.Type)

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.QuantityAvailable)

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Nil(t, pos, "no position created on failure")
}

func TestShipToRetailer_ExpiredBatchRejected(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	fields := testBatchFields("OLD-1", 100)
	fields.ManufactureDate = testNow.AddDate(-3, 0, 0)
	fields.ExpiryDate = testNow.AddDate(0, 0, -1)
	batch, err := engine.RecordManufacture(ctx, "prod-1", fields)
	require.NoError(t, err)

	err = engine.ShipToRetailer(ctx, batch.ID, "ret-1", 10, price("4.99"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestShipToRetailer_WrongPartyType(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)
	err := engine.ShipToRetailer(context.Background(), batch.ID, "con-1", 10, price("4.99"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// SALE TESTS
// =============================================================================

func TestSellToConsumer_NamedConsumer(t *testing.T) {
	// GIVEN: A retailer holding 200 units at 4.99
	// WHEN: A named consumer buys 3
	// THEN: Stock drops to 197, the purchase totals 14.97, and the sale
	//       movement points at the consumer

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 200, price("4.99")))

	consumer := "con-1"
	purchase, err := engine.SellToConsumer(ctx, "ret-1", &consumer, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 3, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)

	require.NotNil(t, purchase.ConsumerID)
	assert.Equal(t, "con-1", *purchase.ConsumerID)
	assert.True(t, purchase.TotalAmount.Equal(price("14.97")))
	require.Len(t, purchase.Items, 1)

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(197), pos.QuantityInStock)

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	sale := movements[len(movements)-1]
	assert.Equal(t, ledger.KindSaleToConsumer, sale.Kind)
	require.NotNil(t, sale.Destination)
	assert.Equal(t, "con-1", sale.Destination.ID)

	// Sales never touch batch availability; the units already left it.
	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.QuantityAvailable)
}

func TestSellToConsumer_Anonymous(t *testing.T) {
	// GIVEN: Stock at a retailer
	// WHEN: Selling with a nil consumer id
	// THEN: The purchase and movement both record no destination party

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 100, price("4.99")))

	purchase, err := engine.SellToConsumer(ctx, "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 1, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)
	assert.Nil(t, purchase.ConsumerID)

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	sale := movements[len(movements)-1]
	assert.Nil(t, sale.Destination)
}

func TestSellToConsumer_MultiLine_AllOrNothing(t *testing.T) {
	// GIVEN: 100 units of batch A and 2 units of batch B at one retailer
	// WHEN: Buying 5 of A and 5 of B in one purchase
	// THEN: The whole purchase fails and batch A's stock is untouched

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batchA := mustManufacture(t, engine, "ACME-A", 500)
	batchB := mustManufacture(t, engine, "ACME-B", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batchA.ID, "ret-1", 100, price("4.99")))
	require.NoError(t, engine.ShipToRetailer(ctx, batchB.ID, "ret-1", 2, price("3.50")))

	_, err := engine.SellToConsumer(ctx, "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batchA.ID, Quantity: 5, UnitPrice: price("4.99")},
		{ProductID: "prod-1", BatchID: batchB.ID, Quantity: 5, UnitPrice: price("3.50")},
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientQuantity)

	posA, err := store.GetPosition(ctx, "ret-1", "prod-1", batchA.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), posA.QuantityInStock, "first line rolled back")

	movements, err := store.MovementsByBatch(ctx, batchA.ID)
	require.NoError(t, err)
	for _, m := range movements {
		assert.NotEqual(t, ledger.KindSaleToConsumer, m.Kind, "no sale movement survived the rollback")
	}
}

func TestSellToConsumer_NoPositionForBatch(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	_, err := engine.SellToConsumer(context.Background(), "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 1, UnitPrice: price("4.99")},
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound, "retailer never received this batch")
}

// =============================================================================
// RETURN TESTS
// =============================================================================

func TestReturnToManufacturer_RestoresAvailability(t *testing.T) {
	// GIVEN: A retailer holding 100 of a 500 batch
	// WHEN: Returning 40
	// THEN: Position 60, availability 440, and a return movement exists

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 100, price("4.99")))
	require.NoError(t, engine.ReturnToManufacturer(ctx, batch.ID, "ret-1", 40, "damaged packaging"))

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), pos.QuantityInStock)

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(440), got.QuantityAvailable)

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	ret := movements[len(movements)-1]
	assert.Equal(t, ledger.KindReturn, ret.Kind)
	assert.Equal(t, "damaged packaging", ret.Notes)
}

func TestReturnToManufacturer_MoreThanHeld(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 10, price("4.99")))

	err := engine.ReturnToManufacturer(ctx, batch.ID, "ret-1", 11, "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
}

// =============================================================================
// RECALL TESTS
// =============================================================================

func TestRecall_PullsFromEveryRetailer(t *testing.T) {
	// GIVEN: 150 shipped to each of two retailers, 20 already sold at one
	// WHEN: Recalling the batch
	// THEN: 280 units come back, both positions read zero, and two recall
	//       movements were appended

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 600)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 150, price("4.99")))
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-2", 150, price("4.99")))
	_, err := engine.SellToConsumer(ctx, "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 20, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)

	pulled, err := engine.Recall(ctx, batch.ID, "lab contamination")
	require.NoError(t, err)
	assert.Equal(t, int64(280), pulled)

	for _, retailer := range []string{"ret-1", "ret-2"} {
		pos, err := store.GetPosition(ctx, retailer, "prod-1", batch.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), pos.QuantityInStock, retailer)
	}

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(580), got.QuantityAvailable, "everything except sold units is back")

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	recalls := 0
	for _, m := range movements {
		if m.Kind == ledger.KindRecall {
			recalls++
			assert.Equal(t, "lab contamination", m.Notes)
		}
	}
	assert.Equal(t, 2, recalls)
}

func TestRecall_NothingShipped(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)
	pulled, err := engine.Recall(context.Background(), batch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pulled)
}

// =============================================================================
// DISPOSAL TESTS
// =============================================================================

func TestDispose_ByManufacturer(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)
	require.NoError(t, engine.Dispose(ctx, batch.ID,
		ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-1"}, 30, "past shelf life"))

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.QuantityAvailable)

	movements, err := store.MovementsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	disposal := movements[len(movements)-1]
	assert.Equal(t, ledger.KindDisposal, disposal.Kind)
	require.NotNil(t, disposal.Destination)
	assert.Equal(t, disposal.Source, *disposal.Destination, "disposal is a self-loop")
}

func TestDispose_ByRetailer_LeavesBatchAvailabilityAlone(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 50, price("4.99")))
	require.NoError(t, engine.Dispose(ctx, batch.ID,
		ledger.PartyRef{Type: ledger.PartyRetailer, ID: "ret-1"}, 10, "water damage"))

	pos, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos.QuantityInStock)

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.QuantityAvailable)
}

func TestDispose_Rejections(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)

	t.Run("non-owning manufacturer", func(t *testing.T) {
		require.NoError(t, store.SaveParty(ctx, custody.Party{
			ID: "mfg-2", Type: ledger.PartyManufacturer, Name: "Other Labs", CreatedAt: testNow,
		}))
		err := engine.Dispose(ctx, batch.ID,
			ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-2"}, 1, "")
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})

	t.Run("consumer holder", func(t *testing.T) {
		err := engine.Dispose(ctx, batch.ID,
			ledger.PartyRef{Type: ledger.PartyConsumer, ID: "con-1"}, 1, "")
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})

	t.Run("more than available", func(t *testing.T) {
		err := engine.Dispose(ctx, batch.ID,
			ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-1"}, 101, "")
		assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
	})
}

// =============================================================================
// TRANSFER TESTS
// =============================================================================

func TestTransfer_BetweenRetailers(t *testing.T) {
	// GIVEN: ret-1 holds 100 at 4.99
	// WHEN: Transferring 30 to ret-2
	// THEN: 70 remain at ret-1, ret-2 holds 30 at the inherited price, and
	//       batch availability never moved

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 100, price("4.99")))
	require.NoError(t, engine.Transfer(ctx, batch.ID, "ret-1", "ret-2", 30))

	src, err := store.GetPosition(ctx, "ret-1", "prod-1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), src.QuantityInStock)

	dst, err := store.GetPosition(ctx, "ret-2", "prod-1", batch.ID)
	require.NoError(t, err)
	require.NotNil(t, dst)
	assert.Equal(t, int64(30), dst.QuantityInStock)
	assert.True(t, dst.UnitPrice.Equal(price("4.99")), "destination inherits source price")

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.QuantityAvailable)
}

func TestTransfer_Rejections(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 10, price("4.99")))

	t.Run("same retailer", func(t *testing.T) {
		err := engine.Transfer(ctx, batch.ID, "ret-1", "ret-1", 5)
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})

	t.Run("more than held", func(t *testing.T) {
		err := engine.Transfer(ctx, batch.ID, "ret-1", "ret-2", 11)
		assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
	})
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestShipToRetailer_ConcurrentShipments_NoDoubleSpend(t *testing.T) {
	// GIVEN: A batch with 10 available
	// WHEN: Two goroutines each ship 6 concurrently
	// THEN: Exactly one succeeds; availability is 4, never negative

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	retailers := []string{"ret-1", "ret-2"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = engine.ShipToRetailer(ctx, batch.ID, retailers[i], 6, price("4.99"))
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one shipment must lose the race")

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.QuantityAvailable)
}

// =============================================================================
// STOCK SNAPSHOT TESTS
// =============================================================================

func TestStockSnapshot_ExcludesEmptyPositions(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 50, price("4.99")))
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-2", 30, price("4.99")))
	require.NoError(t, engine.ReturnToManufacturer(ctx, batch.ID, "ret-2", 30, ""))

	rows, err := engine.StockSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "emptied position is history, not stock")

	row := rows[0]
	assert.Equal(t, "ret-1", row.RetailerID)
	assert.Equal(t, "Main Street Pharmacy", row.RetailerName)
	assert.Equal(t, "ACME-2026-001", row.BatchReference)
	assert.Equal(t, int64(50), row.QuantityInStock)
}
