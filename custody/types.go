/*
Package custody implements the chain-of-custody engine: the transactional
operations, invariant guard, traceability query, and reconciliation runner
that keep batch quantities, retailer positions, and the append-only movement
log mutually consistent.

KEY CONCEPTS IN THIS FILE (types.go):
  - Party:    manufacturer, retailer, or consumer - the unit of custody
  - Product:  catalog entry owned by a manufacturer
  - Batch:    a produced lot with fixed produced and decaying available quantity
  - Position: a retailer's stock level and price for one (product, batch)
  - Purchase: a consumer transaction over one or more line items

DERIVED STATE:
  Batch.QuantityAvailable and Position.QuantityInStock are caches over the
  movement log. "Depleted" and "expired" are derived predicates, not stored
  states; no operation ever deletes a batch or a position.

SEE ALSO:
  - engine.go: The atomic operations that mutate these aggregates
  - store.go:  Persistence contract
  - guard.go:  Invariants enforced before every commit
*/
package custody

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/ledger"
)

// =============================================================================
// PARTIES AND PRODUCTS
// =============================================================================

// Party is a manufacturer, retailer, or consumer.
type Party struct {
	ID        string
	Type      ledger.PartyType
	Name      string
	CreatedAt time.Time
}

// Ref returns the party as a movement-side reference.
func (p Party) Ref() ledger.PartyRef {
	return ledger.PartyRef{Type: p.Type, ID: p.ID}
}

// Product is a catalog entry. Ownership: the manufacturer that created it,
// and transitively every batch produced from it.
type Product struct {
	ID             string
	ManufacturerID string
	Name           string
	Category       string
	CreatedAt      time.Time
}

// =============================================================================
// BATCH - A produced lot of a single product
// =============================================================================

// Batch is a manufactured lot. QuantityProduced is fixed at creation and
// never changes; QuantityAvailable decays as stock ships out and grows only
// through returns and recalls. Batches are retained forever for audit.
type Batch struct {
	ID                string
	Reference         string // Stable, externally-shareable token
	ProductID         string
	ManufactureDate   time.Time
	ExpiryDate        time.Time
	QuantityProduced  int64
	QuantityAvailable int64
	Attributes        map[string]string // Open-ended; documented keys validated at the boundary
	CreatedAt         time.Time
}

// Depleted reports whether all produced stock has left the manufacturer.
func (b *Batch) Depleted() bool { return b.QuantityAvailable == 0 }

// Expired reports whether the batch is past its expiry date.
func (b *Batch) Expired(now time.Time) bool { return b.ExpiryDate.Before(now) }

// BatchFields carries caller-supplied fields for batch creation.
// Reference is optional; when empty the engine mints one.
type BatchFields struct {
	Reference        string
	ManufactureDate  time.Time
	ExpiryDate       time.Time
	QuantityProduced int64
	Attributes       map[string]string
}

// =============================================================================
// INVENTORY POSITION - (retailer, product, batch) -> stock on hand
// =============================================================================

// Position is a retailer's stock for one (product, batch) pair.
// Unique per (RetailerID, ProductID, BatchID). Created on first receipt,
// updated additively on later receipts and subtractively on sales;
// zero-quantity rows persist as history.
type Position struct {
	ID               string
	RetailerID       string
	ProductID        string
	BatchID          string
	QuantityInStock  int64
	QuantityReserved int64
	UnitPrice        decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// PURCHASE - A consumer transaction
// =============================================================================

// LineItem is one (product, batch, quantity, price) entry of a purchase.
type LineItem struct {
	ProductID string
	BatchID   string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// Total returns quantity x unit price.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// PurchaseItem is a persisted line item.
type PurchaseItem struct {
	ID         string
	PurchaseID string
	ProductID  string
	BatchID    string
	Quantity   int64
	UnitPrice  decimal.Decimal
}

// Purchase references one retailer and a set of line items. ConsumerID is
// nil for anonymous walk-in sales; there is no sentinel id.
type Purchase struct {
	ID          string
	RetailerID  string
	ConsumerID  *string
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	Items       []PurchaseItem
}

// =============================================================================
// READ-SIDE TYPES
// =============================================================================

// TraceStep is one movement of a batch's custody chain with party names
// resolved for display. Labels degrade to "Party #id" when a party has been
// deleted or anonymized.
type TraceStep struct {
	Movement    ledger.Movement
	SourceLabel string
	DestLabel   string
}

// StockRow is the stable read query exposed to the external search and
// proximity subsystems. Read-only; never used for mutation.
type StockRow struct {
	RetailerID      string
	RetailerName    string
	ProductID       string
	ProductName     string
	BatchID         string
	BatchReference  string
	QuantityInStock int64
	UnitPrice       decimal.Decimal
	ExpiryDate      time.Time
}

// ReconciliationResult is the outcome of replaying one batch's movement log
// against its stored available quantity.
type ReconciliationResult struct {
	BatchID   string
	Reference string
	Stored    int64
	Replayed  int64
	Movements int
	CheckedAt time.Time
}

// Consistent reports whether the stored quantity matches the replay.
func (r ReconciliationResult) Consistent() bool { return r.Stored == r.Replayed }

// Drift returns stored minus replayed.
func (r ReconciliationResult) Drift() int64 { return r.Stored - r.Replayed }
