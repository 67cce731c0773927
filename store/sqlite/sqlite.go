/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Implements custody.Store and custody.ReconciliationStore over SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  The movements table is the system of record:
  - No UPDATE statements on movements, ever
  - No DELETE statements on movements, ever
  - Corrections are further movements (returns, disposals, recalls)
  Batches, positions, and purchases are never deleted either; zero-quantity
  rows persist as history.

KEY TABLES:
  parties:              Manufacturer/retailer/consumer registry
  products:             Catalog entries owned by a manufacturer
  batches:              Produced lots (quantity_produced write-once)
  inventory_positions:  (retailer, product, batch) -> stock + price
  movements:            Immutable custody-transfer log (AUTOINCREMENT seq)
  purchases + items:    Consumer transactions
  reconciliation_runs:  Replay-check outcomes

ISOLATION:
  The connection opens with _txlock=immediate so every WithTx takes the
  SQLite write lock at BEGIN, not at first write. Combined with the
  store-level write mutex, a check-then-write sequence on a batch or
  position row can never interleave with another writer. Lock-wait
  timeouts surface as ledger.ErrResourceBusy so callers can retry
  contention but not logic errors.

DB CHECK CONSTRAINTS:
  The schema repeats the guard's quantity invariants as CHECK constraints.
  They are the backstop of last resort; the custody guard raises the
  friendlier errors first.

USAGE:
  store, err := sqlite.New("./data/custody.db")
  if err != nil { ... }
  defer store.Close()
  engine := custody.NewEngine(store)

SEE ALSO:
  - custody/store.go: Interface contract
  - custody/engine.go: The only mutating caller
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
)

// Store implements custody.Store and custody.ReconciliationStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx abstracts *sql.DB and *sql.Tx so query helpers run inside or
// outside a transaction. Helpers never lock; the public methods do.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and makes the
	// write path strictly serial alongside the mutex.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Party registry (manufacturers, retailers, consumers)
	CREATE TABLE IF NOT EXISTS parties (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Product catalog, owned by a manufacturer
	CREATE TABLE IF NOT EXISTS products (
		id              TEXT PRIMARY KEY,
		manufacturer_id TEXT NOT NULL REFERENCES parties(id),
		name            TEXT NOT NULL,
		category        TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);

	-- Produced lots. quantity_produced is write-once: no UPDATE in this
	-- package ever touches it.
	CREATE TABLE IF NOT EXISTS batches (
		id                 TEXT PRIMARY KEY,
		reference          TEXT NOT NULL UNIQUE,
		product_id         TEXT NOT NULL REFERENCES products(id),
		manufacture_date   TEXT NOT NULL,
		expiry_date        TEXT NOT NULL,
		quantity_produced  INTEGER NOT NULL CHECK (quantity_produced > 0),
		quantity_available INTEGER NOT NULL CHECK (quantity_available >= 0),
		attributes_json    TEXT,
		created_at         TEXT NOT NULL,
		CHECK (quantity_available <= quantity_produced)
	);

	CREATE INDEX IF NOT EXISTS idx_batches_product ON batches(product_id);
	CREATE INDEX IF NOT EXISTS idx_batches_expiry ON batches(expiry_date);

	-- (retailer, product, batch) -> stock on hand. Never deleted.
	CREATE TABLE IF NOT EXISTS inventory_positions (
		id                 TEXT PRIMARY KEY,
		retailer_id        TEXT NOT NULL REFERENCES parties(id),
		product_id         TEXT NOT NULL REFERENCES products(id),
		batch_id           TEXT NOT NULL REFERENCES batches(id),
		quantity_in_stock  INTEGER NOT NULL CHECK (quantity_in_stock >= 0),
		quantity_reserved  INTEGER NOT NULL DEFAULT 0 CHECK (quantity_reserved >= 0),
		unit_price         TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		UNIQUE (retailer_id, product_id, batch_id),
		CHECK (quantity_reserved <= quantity_in_stock)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_batch ON inventory_positions(batch_id);
	CREATE INDEX IF NOT EXISTS idx_positions_retailer ON inventory_positions(retailer_id);

	-- Append-only custody-transfer log. seq breaks timestamp ties with
	-- insertion order. No UPDATE, no DELETE. EVER.
	CREATE TABLE IF NOT EXISTS movements (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		kind        TEXT NOT NULL,
		batch_id    TEXT NOT NULL REFERENCES batches(id),
		source_type TEXT NOT NULL,
		source_id   TEXT NOT NULL,
		dest_type   TEXT,
		dest_id     TEXT,
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		unit_price  TEXT,
		verified_by TEXT,
		notes       TEXT,
		occurred_at TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);

	-- Trace hot path: all movements of a batch in commit order.
	CREATE INDEX IF NOT EXISTS idx_movements_batch_order
		ON movements(batch_id, occurred_at, seq);
	CREATE INDEX IF NOT EXISTS idx_movements_kind ON movements(kind);

	-- Consumer transactions. consumer_id NULL = anonymous walk-in.
	CREATE TABLE IF NOT EXISTS purchases (
		id           TEXT PRIMARY KEY,
		retailer_id  TEXT NOT NULL REFERENCES parties(id),
		consumer_id  TEXT REFERENCES parties(id),
		total_amount TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_items (
		id          TEXT PRIMARY KEY,
		purchase_id TEXT NOT NULL REFERENCES purchases(id),
		product_id  TEXT NOT NULL REFERENCES products(id),
		batch_id    TEXT NOT NULL REFERENCES batches(id),
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		unit_price  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_items_purchase
		ON purchase_items(purchase_id);

	-- Replay-check outcomes (scheduled and manual reconciliation)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id           TEXT PRIMARY KEY,
		batch_id     TEXT NOT NULL,
		reference    TEXT NOT NULL,
		status       TEXT NOT NULL,
		stored       INTEGER NOT NULL,
		replayed     INTEGER NOT NULL,
		movements    INTEGER NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_batch
		ON reconciliation_runs(batch_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data. Development and demo use only; this is the one
// code path that deletes movement rows, and it deletes everything.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"reconciliation_runs", "purchase_items", "purchases", "movements",
		"inventory_positions", "batches", "products", "parties",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return busyOr("reset", err)
		}
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = 'movements'")
	if err != nil {
		return busyOr("reset", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a single database transaction. The write
// mutex is held for the whole transaction so check-then-write sequences
// never interleave.
func (s *Store) WithTx(ctx context.Context, fn func(custody.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busyOr("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return busyOr("commit", err)
	}
	return nil
}

// txStore routes every call through the open transaction so reads observe
// the transaction's own uncommitted writes.
type txStore struct {
	tx *sql.Tx
}

// WithTx inside a transaction reuses the open one.
func (ts *txStore) WithTx(ctx context.Context, fn func(custody.Store) error) error {
	return fn(ts)
}

func (ts *txStore) SaveParty(ctx context.Context, p custody.Party) error {
	return saveParty(ctx, ts.tx, p)
}
func (ts *txStore) GetParty(ctx context.Context, id string) (*custody.Party, error) {
	return getParty(ctx, ts.tx, id)
}
func (ts *txStore) SaveProduct(ctx context.Context, p custody.Product) error {
	return saveProduct(ctx, ts.tx, p)
}
func (ts *txStore) GetProduct(ctx context.Context, id string) (*custody.Product, error) {
	return getProduct(ctx, ts.tx, id)
}
func (ts *txStore) InsertBatch(ctx context.Context, b custody.Batch) error {
	return insertBatch(ctx, ts.tx, b)
}
func (ts *txStore) GetBatch(ctx context.Context, id string) (*custody.Batch, error) {
	return getBatch(ctx, ts.tx, "id", id)
}
func (ts *txStore) GetBatchByReference(ctx context.Context, reference string) (*custody.Batch, error) {
	return getBatch(ctx, ts.tx, "reference", reference)
}
func (ts *txStore) ListBatches(ctx context.Context) ([]custody.Batch, error) {
	return listBatches(ctx, ts.tx)
}
func (ts *txStore) SetBatchAvailable(ctx context.Context, batchID string, available int64) error {
	return setBatchAvailable(ctx, ts.tx, batchID, available)
}
func (ts *txStore) GetPosition(ctx context.Context, retailerID, productID, batchID string) (*custody.Position, error) {
	return getPosition(ctx, ts.tx, retailerID, productID, batchID)
}
func (ts *txStore) PositionsByBatch(ctx context.Context, batchID string) ([]custody.Position, error) {
	return positionsByBatch(ctx, ts.tx, batchID)
}
func (ts *txStore) InsertPosition(ctx context.Context, p custody.Position) error {
	return insertPosition(ctx, ts.tx, p)
}
func (ts *txStore) SetPositionStock(ctx context.Context, positionID string, inStock int64, unitPrice *decimal.Decimal) error {
	return setPositionStock(ctx, ts.tx, positionID, inStock, unitPrice)
}
func (ts *txStore) AppendMovement(ctx context.Context, m ledger.Movement) error {
	return appendMovement(ctx, ts.tx, m)
}
func (ts *txStore) MovementsByBatch(ctx context.Context, batchID string) ([]ledger.Movement, error) {
	return movementsByBatch(ctx, ts.tx, batchID)
}
func (ts *txStore) InsertPurchase(ctx context.Context, p custody.Purchase) error {
	return insertPurchase(ctx, ts.tx, p)
}
func (ts *txStore) GetPurchase(ctx context.Context, id string) (*custody.Purchase, error) {
	return getPurchase(ctx, ts.tx, id)
}
func (ts *txStore) StockSnapshot(ctx context.Context) ([]custody.StockRow, error) {
	return stockSnapshot(ctx, ts.tx)
}

// =============================================================================
// STORE METHODS (lock, then delegate to helpers)
// =============================================================================

func (s *Store) SaveParty(ctx context.Context, p custody.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveParty(ctx, s.db, p)
}

func (s *Store) GetParty(ctx context.Context, id string) (*custody.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getParty(ctx, s.db, id)
}

func (s *Store) SaveProduct(ctx context.Context, p custody.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProduct(ctx, s.db, p)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*custody.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(ctx, s.db, id)
}

func (s *Store) InsertBatch(ctx context.Context, b custody.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertBatch(ctx, s.db, b)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*custody.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, "id", id)
}

func (s *Store) GetBatchByReference(ctx context.Context, reference string) (*custody.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, "reference", reference)
}

func (s *Store) ListBatches(ctx context.Context) ([]custody.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatches(ctx, s.db)
}

func (s *Store) SetBatchAvailable(ctx context.Context, batchID string, available int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setBatchAvailable(ctx, s.db, batchID, available)
}

func (s *Store) GetPosition(ctx context.Context, retailerID, productID, batchID string) (*custody.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPosition(ctx, s.db, retailerID, productID, batchID)
}

func (s *Store) PositionsByBatch(ctx context.Context, batchID string) ([]custody.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return positionsByBatch(ctx, s.db, batchID)
}

func (s *Store) InsertPosition(ctx context.Context, p custody.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPosition(ctx, s.db, p)
}

func (s *Store) SetPositionStock(ctx context.Context, positionID string, inStock int64, unitPrice *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPositionStock(ctx, s.db, positionID, inStock, unitPrice)
}

func (s *Store) AppendMovement(ctx context.Context, m ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, m)
}

func (s *Store) MovementsByBatch(ctx context.Context, batchID string) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return movementsByBatch(ctx, s.db, batchID)
}

func (s *Store) InsertPurchase(ctx context.Context, p custody.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPurchase(ctx, s.db, p)
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*custody.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPurchase(ctx, s.db, id)
}

func (s *Store) StockSnapshot(ctx context.Context) ([]custody.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stockSnapshot(ctx, s.db)
}

// =============================================================================
// PARTIES AND PRODUCTS
// =============================================================================

func saveParty(ctx context.Context, db dbtx, p custody.Party) error {
	query := `
		INSERT INTO parties (id, type, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, string(p.Type), p.Name, formatTime(p.CreatedAt))
	return busyOr("save party", err)
}

func getParty(ctx context.Context, db dbtx, id string) (*custody.Party, error) {
	var p custody.Party
	var partyType, createdAt string
	err := db.QueryRowContext(ctx,
		"SELECT id, type, name, created_at FROM parties WHERE id = ?", id,
	).Scan(&p.ID, &partyType, &p.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, busyOr("get party", err)
	}
	p.Type = ledger.PartyType(partyType)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func saveProduct(ctx context.Context, db dbtx, p custody.Product) error {
	query := `
		INSERT INTO products (id, manufacturer_id, name, category, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.ManufacturerID, p.Name, p.Category, formatTime(p.CreatedAt))
	return busyOr("save product", err)
}

func getProduct(ctx context.Context, db dbtx, id string) (*custody.Product, error) {
	var p custody.Product
	var createdAt string
	err := db.QueryRowContext(ctx,
		"SELECT id, manufacturer_id, name, category, created_at FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.ManufacturerID, &p.Name, &p.Category, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, busyOr("get product", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func insertBatch(ctx context.Context, db dbtx, b custody.Batch) error {
	attrsJSON, _ := json.Marshal(b.Attributes)
	query := `
		INSERT INTO batches
		(id, reference, product_id, manufacture_date, expiry_date,
		 quantity_produced, quantity_available, attributes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		b.ID, b.Reference, b.ProductID,
		formatTime(b.ManufactureDate), formatTime(b.ExpiryDate),
		b.QuantityProduced, b.QuantityAvailable,
		string(attrsJSON), formatTime(b.CreatedAt))
	return busyOr("insert batch", err)
}

func getBatch(ctx context.Context, db dbtx, column, value string) (*custody.Batch, error) {
	// column is one of the fixed strings "id" / "reference", never input.
	query := fmt.Sprintf(`
		SELECT id, reference, product_id, manufacture_date, expiry_date,
		       quantity_produced, quantity_available, attributes_json, created_at
		FROM batches WHERE %s = ?`, column)

	var b custody.Batch
	var manufactureDate, expiryDate, createdAt string
	var attrsJSON sql.NullString
	err := db.QueryRowContext(ctx, query, value).Scan(
		&b.ID, &b.Reference, &b.ProductID, &manufactureDate, &expiryDate,
		&b.QuantityProduced, &b.QuantityAvailable, &attrsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, busyOr("get batch", err)
	}
	b.ManufactureDate = parseTime(manufactureDate)
	b.ExpiryDate = parseTime(expiryDate)
	b.CreatedAt = parseTime(createdAt)
	if attrsJSON.Valid && attrsJSON.String != "" && attrsJSON.String != "null" {
		json.Unmarshal([]byte(attrsJSON.String), &b.Attributes)
	}
	return &b, nil
}

func listBatches(ctx context.Context, db dbtx) ([]custody.Batch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, reference, product_id, manufacture_date, expiry_date,
		       quantity_produced, quantity_available, attributes_json, created_at
		FROM batches ORDER BY created_at ASC`)
	if err != nil {
		return nil, busyOr("list batches", err)
	}
	defer rows.Close()

	var batches []custody.Batch
	for rows.Next() {
		var b custody.Batch
		var manufactureDate, expiryDate, createdAt string
		var attrsJSON sql.NullString
		if err := rows.Scan(&b.ID, &b.Reference, &b.ProductID, &manufactureDate, &expiryDate,
			&b.QuantityProduced, &b.QuantityAvailable, &attrsJSON, &createdAt); err != nil {
			return nil, err
		}
		b.ManufactureDate = parseTime(manufactureDate)
		b.ExpiryDate = parseTime(expiryDate)
		b.CreatedAt = parseTime(createdAt)
		if attrsJSON.Valid && attrsJSON.String != "" && attrsJSON.String != "null" {
			json.Unmarshal([]byte(attrsJSON.String), &b.Attributes)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// setBatchAvailable updates quantity_available and nothing else.
// quantity_produced is write-once by construction of this package.
func setBatchAvailable(ctx context.Context, db dbtx, batchID string, available int64) error {
	res, err := db.ExecContext(ctx,
		"UPDATE batches SET quantity_available = ? WHERE id = ?",
		available, batchID)
	if err != nil {
		return busyOr("set batch available", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: "batch", ID: batchID}
	}
	return nil
}

// =============================================================================
// INVENTORY POSITIONS
// =============================================================================

const positionColumns = `id, retailer_id, product_id, batch_id,
	quantity_in_stock, quantity_reserved, unit_price, created_at, updated_at`

func getPosition(ctx context.Context, db dbtx, retailerID, productID, batchID string) (*custody.Position, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM inventory_positions
		 WHERE retailer_id = ? AND product_id = ? AND batch_id = ?`,
		retailerID, productID, batchID)

	var p custody.Position
	var unitPrice, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.RetailerID, &p.ProductID, &p.BatchID,
		&p.QuantityInStock, &p.QuantityReserved, &unitPrice, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, busyOr("get position", err)
	}
	p.UnitPrice = parseDecimal(unitPrice)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func positionsByBatch(ctx context.Context, db dbtx, batchID string) ([]custody.Position, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM inventory_positions
		 WHERE batch_id = ? ORDER BY retailer_id`, batchID)
	if err != nil {
		return nil, busyOr("positions by batch", err)
	}
	defer rows.Close()

	var positions []custody.Position
	for rows.Next() {
		var p custody.Position
		var unitPrice, createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.RetailerID, &p.ProductID, &p.BatchID,
			&p.QuantityInStock, &p.QuantityReserved, &unitPrice, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.UnitPrice = parseDecimal(unitPrice)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func insertPosition(ctx context.Context, db dbtx, p custody.Position) error {
	query := `
		INSERT INTO inventory_positions
		(id, retailer_id, product_id, batch_id, quantity_in_stock,
		 quantity_reserved, unit_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.RetailerID, p.ProductID, p.BatchID,
		p.QuantityInStock, p.QuantityReserved, p.UnitPrice.String(),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return busyOr("insert position", err)
}

func setPositionStock(ctx context.Context, db dbtx, positionID string, inStock int64, unitPrice *decimal.Decimal) error {
	var res sql.Result
	var err error
	now := formatTime(time.Now().UTC())
	if unitPrice != nil {
		res, err = db.ExecContext(ctx,
			"UPDATE inventory_positions SET quantity_in_stock = ?, unit_price = ?, updated_at = ? WHERE id = ?",
			inStock, unitPrice.String(), now, positionID)
	} else {
		res, err = db.ExecContext(ctx,
			"UPDATE inventory_positions SET quantity_in_stock = ?, updated_at = ? WHERE id = ?",
			inStock, now, positionID)
	}
	if err != nil {
		return busyOr("set position stock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: "position", ID: positionID}
	}
	return nil
}

// =============================================================================
// MOVEMENT LOG (append-only)
// =============================================================================

func appendMovement(ctx context.Context, db dbtx, m ledger.Movement) error {
	var destType, destID, unitPrice sql.NullString
	if m.Destination != nil {
		destType = sql.NullString{String: string(m.Destination.Type), Valid: true}
		destID = sql.NullString{String: m.Destination.ID, Valid: true}
	}
	if m.UnitPrice != nil {
		unitPrice = sql.NullString{String: m.UnitPrice.String(), Valid: true}
	}

	query := `
		INSERT INTO movements
		(id, kind, batch_id, source_type, source_id, dest_type, dest_id,
		 quantity, unit_price, verified_by, notes, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		m.ID, string(m.Kind), m.BatchID,
		string(m.Source.Type), m.Source.ID,
		destType, destID,
		m.Quantity, unitPrice,
		nullString(m.VerifiedBy), nullString(m.Notes),
		formatTime(m.OccurredAt), formatTime(m.CreatedAt))
	return busyOr("append movement", err)
}

func movementsByBatch(ctx context.Context, db dbtx, batchID string) ([]ledger.Movement, error) {
	query := `
		SELECT seq, id, kind, batch_id, source_type, source_id, dest_type, dest_id,
		       quantity, unit_price, verified_by, notes, occurred_at, created_at
		FROM movements
		WHERE batch_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`
	rows, err := db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, busyOr("movements by batch", err)
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanMovement(rows *sql.Rows) (ledger.Movement, error) {
	var (
		m                     ledger.Movement
		kind, sourceType      string
		destType, destID      sql.NullString
		unitPrice             sql.NullString
		verifiedBy, notes     sql.NullString
		occurredAt, createdAt string
	)
	err := rows.Scan(&m.Seq, &m.ID, &kind, &m.BatchID, &sourceType, &m.Source.ID,
		&destType, &destID, &m.Quantity, &unitPrice, &verifiedBy, &notes,
		&occurredAt, &createdAt)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	m.Kind = ledger.Kind(kind)
	m.Source.Type = ledger.PartyType(sourceType)
	if destType.Valid {
		m.Destination = &ledger.PartyRef{
			Type: ledger.PartyType(destType.String),
			ID:   destID.String,
		}
	}
	if unitPrice.Valid {
		d := parseDecimal(unitPrice.String)
		m.UnitPrice = &d
	}
	m.VerifiedBy = verifiedBy.String
	m.Notes = notes.String
	m.OccurredAt = parseTime(occurredAt)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// =============================================================================
// PURCHASES
// =============================================================================

func insertPurchase(ctx context.Context, db dbtx, p custody.Purchase) error {
	var consumerID sql.NullString
	if p.ConsumerID != nil {
		consumerID = sql.NullString{String: *p.ConsumerID, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO purchases (id, retailer_id, consumer_id, total_amount, created_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.RetailerID, consumerID, p.TotalAmount.String(), formatTime(p.CreatedAt))
	if err != nil {
		return busyOr("insert purchase", err)
	}

	for _, item := range p.Items {
		_, err := db.ExecContext(ctx,
			"INSERT INTO purchase_items (id, purchase_id, product_id, batch_id, quantity, unit_price) VALUES (?, ?, ?, ?, ?, ?)",
			item.ID, item.PurchaseID, item.ProductID, item.BatchID,
			item.Quantity, item.UnitPrice.String())
		if err != nil {
			return busyOr("insert purchase item", err)
		}
	}
	return nil
}

func getPurchase(ctx context.Context, db dbtx, id string) (*custody.Purchase, error) {
	var p custody.Purchase
	var consumerID sql.NullString
	var totalAmount, createdAt string
	err := db.QueryRowContext(ctx,
		"SELECT id, retailer_id, consumer_id, total_amount, created_at FROM purchases WHERE id = ?", id,
	).Scan(&p.ID, &p.RetailerID, &consumerID, &totalAmount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, busyOr("get purchase", err)
	}
	if consumerID.Valid {
		p.ConsumerID = &consumerID.String
	}
	p.TotalAmount = parseDecimal(totalAmount)
	p.CreatedAt = parseTime(createdAt)

	rows, err := db.QueryContext(ctx,
		"SELECT id, purchase_id, product_id, batch_id, quantity, unit_price FROM purchase_items WHERE purchase_id = ?", id)
	if err != nil {
		return nil, busyOr("get purchase items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item custody.PurchaseItem
		var unitPrice string
		if err := rows.Scan(&item.ID, &item.PurchaseID, &item.ProductID,
			&item.BatchID, &item.Quantity, &unitPrice); err != nil {
			return nil, err
		}
		item.UnitPrice = parseDecimal(unitPrice)
		p.Items = append(p.Items, item)
	}
	return &p, rows.Err()
}

// =============================================================================
// READ-SIDE SNAPSHOT
// =============================================================================

// stockSnapshot joins positions with batch and party metadata for the
// external search subsystem. Zero-quantity rows are excluded; they are
// history, not stock.
func stockSnapshot(ctx context.Context, db dbtx) ([]custody.StockRow, error) {
	query := `
		SELECT pos.retailer_id, party.name, pos.product_id, prod.name,
		       pos.batch_id, b.reference, pos.quantity_in_stock,
		       pos.unit_price, b.expiry_date
		FROM inventory_positions pos
		JOIN parties party ON party.id = pos.retailer_id
		JOIN products prod ON prod.id = pos.product_id
		JOIN batches b ON b.id = pos.batch_id
		WHERE pos.quantity_in_stock > 0
		ORDER BY party.name, prod.name, b.reference
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, busyOr("stock snapshot", err)
	}
	defer rows.Close()

	var out []custody.StockRow
	for rows.Next() {
		var r custody.StockRow
		var unitPrice, expiryDate string
		if err := rows.Scan(&r.RetailerID, &r.RetailerName, &r.ProductID, &r.ProductName,
			&r.BatchID, &r.BatchReference, &r.QuantityInStock, &unitPrice, &expiryDate); err != nil {
			return nil, err
		}
		r.UnitPrice = parseDecimal(unitPrice)
		r.ExpiryDate = parseTime(expiryDate)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

// SaveReconciliationRun persists one replay-check outcome.
func (s *Store) SaveReconciliationRun(ctx context.Context, r custody.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, batch_id, reference, status, stored, replayed, movements, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchID, r.Reference, r.Status,
		r.Stored, r.Replayed, r.Movements, formatTime(r.CompletedAt))
	return busyOr("save reconciliation run", err)
}

// ListReconciliationRuns returns the most recent runs, newest first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]custody.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, reference, status, stored, replayed, movements, completed_at
		FROM reconciliation_runs
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, busyOr("list reconciliation runs", err)
	}
	defer rows.Close()

	var runs []custody.ReconciliationRun
	for rows.Next() {
		var r custody.ReconciliationRun
		var completedAt string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Reference, &r.Status,
			&r.Stored, &r.Replayed, &r.Movements, &completedAt); err != nil {
			return nil, err
		}
		r.CompletedAt = parseTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// busyOr maps SQLite lock contention onto the retryable sentinel and
// leaves every other error untouched.
func busyOr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyError(err) {
		return &ledger.BusyError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
