/*
store.go - Persistence contract between the engine and the ledger store

PURPOSE:
  Defines the interface the movement engine mutates through. Every method
  takes and returns typed structs per operation - no generic query builder,
  no dynamic row shapes. The store is the single shared mutable resource;
  no component bypasses the engine to mutate quantities directly.

APPEND-ONLY CONTRACT:
  AppendMovement is the ONLY write to the movement log. The interface has
  no update or delete for movements, and implementations must never issue
  one. Corrections are further movements (returns, disposals, recalls).

TRANSACTIONS:
  WithTx executes fn against a transaction-scoped Store. Every mutating
  engine operation runs entirely inside one WithTx call: precondition
  checks, quantity updates, and the movement append either all commit or
  all roll back. Implementations must take the write lock at transaction
  begin so check-then-write sequences on the same row cannot interleave,
  and must surface lock contention as ledger.ErrResourceBusy.

IMPLEMENTATIONS:
  - store/sqlite: production store (database/sql + mattn/go-sqlite3)

SEE ALSO:
  - engine.go: The only caller of the mutating methods
  - store/sqlite/sqlite.go: Concrete implementation
*/
package custody

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/ledger"
)

// Store is the persistence contract for the four durable aggregates plus
// the party/product registries the guard resolves references against.
//
// Read methods return (nil, nil) when the row does not exist; the engine
// turns absence into NotFoundError with entity context.
type Store interface {
	// WithTx executes fn within a single transaction. If fn returns an
	// error the transaction is rolled back and the error is returned
	// unchanged; otherwise the transaction commits.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Parties and products (registries; resolved during referential checks).
	SaveParty(ctx context.Context, p Party) error
	GetParty(ctx context.Context, id string) (*Party, error)
	SaveProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)

	// Batches. InsertBatch writes the full row; SetBatchAvailable is the
	// only mutation and never touches quantity_produced.
	InsertBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	GetBatchByReference(ctx context.Context, reference string) (*Batch, error)
	ListBatches(ctx context.Context) ([]Batch, error)
	SetBatchAvailable(ctx context.Context, batchID string, available int64) error

	// Inventory positions, unique per (retailer, product, batch).
	GetPosition(ctx context.Context, retailerID, productID, batchID string) (*Position, error)
	PositionsByBatch(ctx context.Context, batchID string) ([]Position, error)
	InsertPosition(ctx context.Context, p Position) error
	SetPositionStock(ctx context.Context, positionID string, inStock int64, unitPrice *decimal.Decimal) error

	// Movement log (append-only).
	AppendMovement(ctx context.Context, m ledger.Movement) error
	MovementsByBatch(ctx context.Context, batchID string) ([]ledger.Movement, error)

	// Purchases, written atomically with their items.
	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)

	// Read-side snapshot for the external search subsystem.
	StockSnapshot(ctx context.Context) ([]StockRow, error)
}

// ReconciliationRun records one scheduled or manual replay check of a
// batch's movement log. Kept for audit and the admin UI.
type ReconciliationRun struct {
	ID          string
	BatchID     string
	Reference   string
	Status      string // "consistent" or "drift"
	Stored      int64
	Replayed    int64
	Movements   int
	CompletedAt time.Time
}

// ReconciliationStore persists reconciliation run outcomes. Separate from
// Store because only the runner and its endpoints need it.
type ReconciliationStore interface {
	SaveReconciliationRun(ctx context.Context, r ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
