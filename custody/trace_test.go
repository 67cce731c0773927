package custody_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
)

// =============================================================================
// TRACE TESTS
// =============================================================================

func TestTrace_FullChain(t *testing.T) {
	// GIVEN: Manufacture -> ship -> named sale -> anonymous sale
	// WHEN: Tracing by batch reference
	// THEN: Four steps in chronological order with resolved display names

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 500)
	require.NoError(t, engine.ShipToRetailer(ctx, batch.ID, "ret-1", 200, price("4.99")))

	consumer := "con-1"
	_, err := engine.SellToConsumer(ctx, "ret-1", &consumer, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 2, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)
	_, err = engine.SellToConsumer(ctx, "ret-1", nil, []custody.LineItem{
		{ProductID: "prod-1", BatchID: batch.ID, Quantity: 1, UnitPrice: price("4.99")},
	})
	require.NoError(t, err)

	steps, err := engine.Trace(ctx, "ACME-2026-001")
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, ledger.KindManufacture, steps[0].Movement.Kind)
	assert.Equal(t, "Acme Labs", steps[0].SourceLabel)
	assert.Equal(t, "Acme Labs", steps[0].DestLabel)

	assert.Equal(t, ledger.KindShipToRetailer, steps[1].Movement.Kind)
	assert.Equal(t, "Acme Labs", steps[1].SourceLabel)
	assert.Equal(t, "Main Street Pharmacy", steps[1].DestLabel)

	assert.Equal(t, ledger.KindSaleToConsumer, steps[2].Movement.Kind)
	assert.Equal(t, "Jane Doe", steps[2].DestLabel)

	assert.Equal(t, ledger.KindSaleToConsumer, steps[3].Movement.Kind)
	assert.Equal(t, "Anonymous consumer", steps[3].DestLabel)
}

func TestTrace_UnknownReference(t *testing.T) {
	engine, store := newTestEngine(t)
	seedWorld(t, store)

	_, err := engine.Trace(context.Background(), "NO-SUCH-BATCH")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTrace_MissingPartyDegradesToIDLabel(t *testing.T) {
	// GIVEN: A movement whose source party is no longer in the registry
	// WHEN: Tracing
	// THEN: The step renders "Party #id" instead of failing

	engine, store := newTestEngine(t)
	seedWorld(t, store)
	ctx := context.Background()

	batch := mustManufacture(t, engine, "ACME-2026-001", 100)

	// Append a movement referencing an unregistered retailer directly at
	// the store layer, simulating a registry that lost a row.
	ghost := ledger.Movement{
		ID:          "mv-ghost",
		Kind:        ledger.KindReturn,
		BatchID:     batch.ID,
		Source:      ledger.PartyRef{Type: ledger.PartyRetailer, ID: "ret-ghost"},
		Destination: &ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-1"},
		Quantity:    1,
		OccurredAt:  testNow,
		CreatedAt:   testNow,
	}
	require.NoError(t, store.AppendMovement(ctx, ghost))

	steps, err := engine.Trace(ctx, "ACME-2026-001")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Party #ret-ghost", steps[1].SourceLabel)
	assert.Equal(t, "Acme Labs", steps[1].DestLabel)
}
