/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates parties, products,
	batches, and movements that demonstrate specific features.

AVAILABLE SCENARIOS:

	full-chain:    Manufacture -> ship -> sale -> traceable chain
	multi-retailer: One batch split across three retailers
	recall-drill:  Shipped batch recalled from every retailer

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register parties and products
 3. Record manufacture through the custody engine
 4. Ship, sell, transfer, recall as the scenario requires

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "recall-drill"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Other handlers and error helpers
  - custody/engine.go: The operations each scenario drives
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "full-chain",
		Name:        "Full Chain",
		Description: "Manufacture, ship to one retailer, sell to a named and an anonymous consumer",
		Category:    "custody",
	},
	{
		ID:          "multi-retailer",
		Name:        "Multi-Retailer",
		Description: "One batch split across three retailers with a retailer-to-retailer transfer",
		Category:    "custody",
	},
	{
		ID:          "recall-drill",
		Name:        "Recall Drill",
		Description: "Shipped batch recalled from every retailer, then disposed by the manufacturer",
		Category:    "custody",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "full-chain":
		err = h.loadFullChainScenario(ctx)
	case "multi-retailer":
		err = h.loadMultiRetailerScenario(ctx)
	case "recall-drill":
		err = h.loadRecallDrillScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioBase registers the shared cast: one manufacturer, three
// retailers, one named consumer, and two products.
func (h *Handler) scenarioBase(ctx context.Context) error {
	now := time.Now().UTC()
	parties := []custody.Party{
		{ID: "mfg-nordic", Type: ledger.PartyManufacturer, Name: "Nordic Pouch Works", CreatedAt: now},
		{ID: "ret-corner", Type: ledger.PartyRetailer, Name: "Corner Kiosk", CreatedAt: now},
		{ID: "ret-station", Type: ledger.PartyRetailer, Name: "Station Shop", CreatedAt: now},
		{ID: "ret-harbor", Type: ledger.PartyRetailer, Name: "Harbor Store", CreatedAt: now},
		{ID: "con-anna", Type: ledger.PartyConsumer, Name: "Anna Lindqvist", CreatedAt: now},
	}
	for _, p := range parties {
		if err := h.Store.SaveParty(ctx, p); err != nil {
			return err
		}
	}

	products := []custody.Product{
		{ID: "prod-mint-pouch", ManufacturerID: "mfg-nordic", Name: "Mint Pouch 6mg", Category: "pouch", CreatedAt: now},
		{ID: "prod-fruit-gum", ManufacturerID: "mfg-nordic", Name: "Fruit Gum 2mg", Category: "gum", CreatedAt: now},
	}
	for _, p := range products {
		if err := h.Store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) scenarioBatch(ctx context.Context, productID, reference string, produced int64) (*custody.Batch, error) {
	now := time.Now().UTC()
	return h.Engine.RecordManufacture(ctx, productID, custody.BatchFields{
		Reference:        reference,
		ManufactureDate:  now.AddDate(0, -1, 0),
		ExpiryDate:       now.AddDate(2, 0, 0),
		QuantityProduced: produced,
		Attributes: map[string]string{
			"nicotine_mg":    "6",
			"units_per_pack": "20",
			"flavor":         "mint",
		},
	})
}

func (h *Handler) loadFullChainScenario(ctx context.Context) error {
	if err := h.scenarioBase(ctx); err != nil {
		return err
	}

	batch, err := h.scenarioBatch(ctx, "prod-mint-pouch", "NPW-2026-001", 500)
	if err != nil {
		return err
	}

	price := decimal.RequireFromString("4.99")
	if err := h.Engine.ShipToRetailer(ctx, batch.ID, "ret-corner", 200, price); err != nil {
		return err
	}

	// Named consumer buys two packs, anonymous walk-in buys one.
	named := "con-anna"
	if _, err := h.Engine.SellToConsumer(ctx, "ret-corner", &named, []custody.LineItem{
		{ProductID: "prod-mint-pouch", BatchID: batch.ID, Quantity: 2, UnitPrice: price},
	}); err != nil {
		return err
	}
	if _, err := h.Engine.SellToConsumer(ctx, "ret-corner", nil, []custody.LineItem{
		{ProductID: "prod-mint-pouch", BatchID: batch.ID, Quantity: 1, UnitPrice: price},
	}); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadMultiRetailerScenario(ctx context.Context) error {
	if err := h.scenarioBase(ctx); err != nil {
		return err
	}

	batch, err := h.scenarioBatch(ctx, "prod-mint-pouch", "NPW-2026-002", 900)
	if err != nil {
		return err
	}

	price := decimal.RequireFromString("5.49")
	for _, retailer := range []string{"ret-corner", "ret-station", "ret-harbor"} {
		if err := h.Engine.ShipToRetailer(ctx, batch.ID, retailer, 250, price); err != nil {
			return err
		}
	}

	// Rebalance: harbor store overstocked, station shop sells faster.
	return h.Engine.Transfer(ctx, batch.ID, "ret-harbor", "ret-station", 100)
}

func (h *Handler) loadRecallDrillScenario(ctx context.Context) error {
	if err := h.scenarioBase(ctx); err != nil {
		return err
	}

	batch, err := h.scenarioBatch(ctx, "prod-fruit-gum", "NPW-2026-003", 600)
	if err != nil {
		return err
	}

	price := decimal.RequireFromString("3.25")
	for _, retailer := range []string{"ret-corner", "ret-station"} {
		if err := h.Engine.ShipToRetailer(ctx, batch.ID, retailer, 150, price); err != nil {
			return err
		}
	}

	pulled, err := h.Engine.Recall(ctx, batch.ID, "Lab flagged contamination in NPW-2026-003")
	if err != nil {
		return err
	}

	// Manufacturer destroys the recalled units.
	holder := ledger.PartyRef{Type: ledger.PartyManufacturer, ID: "mfg-nordic"}
	return h.Engine.Dispose(ctx, batch.ID, holder, pulled, "Destroyed after recall")
}
