/*
engine.go - Atomic custody-transfer operations

PURPOSE:
  The Engine is the ONLY component that mutates the ledger store. Each
  operation executes as one transaction: precondition checks, quantity
  updates, and the movement append either all commit or all roll back.

CHECK-THEN-COMMIT:
  Availability checks and the decrement they protect run inside the same
  transaction, with the store's write lock held from transaction begin.
  Two concurrent shipments against the same batch therefore serialize:
  the second one re-reads the already-decremented quantity and fails with
  InsufficientQuantityError instead of double-spending stock.

LOCKING DISCIPLINE:
  Locks are acquired only within the narrow transaction boundary. The
  engine never performs network calls inside WithTx; identity resolution
  and catalog lookups happen against the same store, and anything external
  happens before the transaction opens.

OPERATIONS:
  RecordManufacture      genesis: new batch + self-loop manufacture movement
  ShipToRetailer         batch down, position up
  SellToConsumer         positions down, purchase + one movement per item
  ReturnToManufacturer   position down, batch up
  Recall                 every position of the batch emptied back to batch
  Dispose                stock destroyed by its holder
  Transfer               retailer-to-retailer stock move

SEE ALSO:
  - guard.go:     invariants checked before every write
  - trace.go:     read-side audit trail
  - reconcile.go: offline verification of the replay law
*/
package custody

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/factory"
	"github.com/custodia/trace-engine/ledger"
)

// Engine executes custody transfers against a Store. All mutating methods
// are safe for concurrent use; isolation comes from the store's WithTx.
type Engine struct {
	store Store

	// Now is the clock used for movement timestamps and expiry checks.
	// Overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, Now: time.Now}
}

// =============================================================================
// MANUFACTURE
// =============================================================================

// RecordManufacture creates a new batch with QuantityAvailable equal to
// QuantityProduced and appends the genesis movement: a manufacture
// self-loop at the owning manufacturer.
func (e *Engine) RecordManufacture(ctx context.Context, productID string, fields BatchFields) (*Batch, error) {
	if fields.QuantityProduced <= 0 {
		return nil, &ledger.ValidationError{Field: "quantity_produced", Message: fmt.Sprintf("must be positive, got %d", fields.QuantityProduced)}
	}
	if fields.ManufactureDate.IsZero() || fields.ExpiryDate.IsZero() {
		return nil, &ledger.ValidationError{Field: "dates", Message: "manufacture and expiry dates are required"}
	}
	if !fields.ExpiryDate.After(fields.ManufactureDate) {
		return nil, &ledger.ValidationError{Field: "expiry_date", Message: "expiry date must be after manufacture date"}
	}

	var created *Batch
	err := e.store.WithTx(ctx, func(tx Store) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product == nil {
			return &ledger.NotFoundError{Entity: "product", ID: productID}
		}
		manufacturer, err := tx.GetParty(ctx, product.ManufacturerID)
		if err != nil {
			return err
		}
		if manufacturer == nil {
			return &ledger.NotFoundError{Entity: "party", ID: product.ManufacturerID}
		}

		if err := factory.ValidateAttributes(product.Category, fields.Attributes); err != nil {
			return err
		}

		reference := fields.Reference
		if reference == "" {
			reference = uuid.NewString()
		}

		batch := Batch{
			ID:                uuid.NewString(),
			Reference:         reference,
			ProductID:         product.ID,
			ManufactureDate:   fields.ManufactureDate,
			ExpiryDate:        fields.ExpiryDate,
			QuantityProduced:  fields.QuantityProduced,
			QuantityAvailable: fields.QuantityProduced,
			Attributes:        fields.Attributes,
			CreatedAt:         e.Now().UTC(),
		}
		if err := checkBatch(&batch); err != nil {
			return err
		}
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}

		genesis := e.newMovement(ledger.KindManufacture, batch.ID, manufacturer.Ref(), refPtr(manufacturer.Ref()), batch.QuantityProduced, nil, "")
		genesis.OccurredAt = fields.ManufactureDate
		if err := e.append(ctx, tx, genesis); err != nil {
			return err
		}

		created = &batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// =============================================================================
// SHIP TO RETAILER
// =============================================================================

// ShipToRetailer moves quantity from a batch's available stock into a
// retailer's inventory position, creating the position on first receipt
// and adding to it on subsequent receipts. The availability check and the
// decrement are part of the same transaction.
func (e *Engine) ShipToRetailer(ctx context.Context, batchID, retailerID string, quantity int64, unitPrice decimal.Decimal) error {
	if quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", quantity)}
	}
	if unitPrice.IsNegative() {
		return &ledger.ValidationError{Field: "unit_price", Message: "cannot be negative"}
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return &ledger.NotFoundError{Entity: "batch", ID: batchID}
		}
		retailer, err := e.resolveParty(ctx, tx, retailerID, ledger.PartyRetailer)
		if err != nil {
			return err
		}
		product, err := tx.GetProduct(ctx, batch.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return &ledger.NotFoundError{Entity: "product", ID: batch.ProductID}
		}
		manufacturer := ledger.PartyRef{Type: ledger.PartyManufacturer, ID: product.ManufacturerID}

		if batch.Expired(e.Now()) {
			return &ledger.ValidationError{Field: "batch", Message: fmt.Sprintf("batch %s expired on %s", batch.Reference, batch.ExpiryDate.Format("2006-01-02"))}
		}
		if quantity > batch.QuantityAvailable {
			return &ledger.InsufficientQuantityError{
				BatchID:   batch.ID,
				Holder:    manufacturer,
				Available: batch.QuantityAvailable,
				Requested: quantity,
			}
		}

		next := *batch
		next.QuantityAvailable -= quantity
		if err := checkProducedUnchanged(batch, &next); err != nil {
			return err
		}
		if err := checkBatch(&next); err != nil {
			return err
		}
		if err := tx.SetBatchAvailable(ctx, batch.ID, next.QuantityAvailable); err != nil {
			return err
		}

		if err := e.creditPosition(ctx, tx, retailer.ID, product.ID, batch.ID, quantity, &unitPrice); err != nil {
			return err
		}

		m := e.newMovement(ledger.KindShipToRetailer, batch.ID, manufacturer, refPtr(retailer.Ref()), quantity, &unitPrice, "")
		return e.append(ctx, tx, m)
	})
}

// =============================================================================
// SELL TO CONSUMER
// =============================================================================

// SellToConsumer executes a purchase atomically across all line items:
// every position decrement, every sale movement, and the purchase record
// commit together or not at all. A nil consumerID records an anonymous
// walk-in sale.
func (e *Engine) SellToConsumer(ctx context.Context, retailerID string, consumerID *string, items []LineItem) (*Purchase, error) {
	if len(items) == 0 {
		return nil, &ledger.ValidationError{Field: "line_items", Message: "purchase must have at least one line item"}
	}
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("line_items[%d].quantity", i), Message: fmt.Sprintf("must be positive, got %d", item.Quantity)}
		}
		if item.UnitPrice.IsNegative() {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("line_items[%d].unit_price", i), Message: "cannot be negative"}
		}
	}

	var created *Purchase
	err := e.store.WithTx(ctx, func(tx Store) error {
		retailer, err := e.resolveParty(ctx, tx, retailerID, ledger.PartyRetailer)
		if err != nil {
			return err
		}

		var destination *ledger.PartyRef
		if consumerID != nil {
			consumer, err := e.resolveParty(ctx, tx, *consumerID, ledger.PartyConsumer)
			if err != nil {
				return err
			}
			ref := consumer.Ref()
			destination = &ref
		}

		purchaseID := uuid.NewString()
		total := decimal.Zero
		purchaseItems := make([]PurchaseItem, 0, len(items))

		for _, item := range items {
			pos, err := tx.GetPosition(ctx, retailer.ID, item.ProductID, item.BatchID)
			if err != nil {
				return err
			}
			if pos == nil {
				return &ledger.NotFoundError{
					Entity: "position",
					ID:     fmt.Sprintf("%s/%s/%s", retailer.ID, item.ProductID, item.BatchID),
				}
			}
			if item.Quantity > pos.QuantityInStock {
				return &ledger.InsufficientQuantityError{
					BatchID:   item.BatchID,
					Holder:    retailer.Ref(),
					Available: pos.QuantityInStock,
					Requested: item.Quantity,
				}
			}

			next := *pos
			next.QuantityInStock -= item.Quantity
			if err := checkPosition(&next); err != nil {
				return err
			}
			if err := tx.SetPositionStock(ctx, pos.ID, next.QuantityInStock, nil); err != nil {
				return err
			}

			price := item.UnitPrice
			m := e.newMovement(ledger.KindSaleToConsumer, item.BatchID, retailer.Ref(), destination, item.Quantity, &price, "")
			if err := e.append(ctx, tx, m); err != nil {
				return err
			}

			total = total.Add(item.Total())
			purchaseItems = append(purchaseItems, PurchaseItem{
				ID:         uuid.NewString(),
				PurchaseID: purchaseID,
				ProductID:  item.ProductID,
				BatchID:    item.BatchID,
				Quantity:   item.Quantity,
				UnitPrice:  item.UnitPrice,
			})
		}

		purchase := Purchase{
			ID:          purchaseID,
			RetailerID:  retailer.ID,
			ConsumerID:  consumerID,
			TotalAmount: total,
			CreatedAt:   e.Now().UTC(),
			Items:       purchaseItems,
		}
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return err
		}

		created = &purchase
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// =============================================================================
// RETURN
// =============================================================================

// ReturnToManufacturer moves quantity from a retailer's position back into
// the batch's available stock. One of the two ways availability may grow.
func (e *Engine) ReturnToManufacturer(ctx context.Context, batchID, retailerID string, quantity int64, notes string) error {
	if quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", quantity)}
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		batch, retailer, manufacturer, err := e.loadShipmentParties(ctx, tx, batchID, retailerID)
		if err != nil {
			return err
		}

		pos, err := tx.GetPosition(ctx, retailer.ID, batch.ProductID, batch.ID)
		if err != nil {
			return err
		}
		if pos == nil {
			return &ledger.NotFoundError{Entity: "position", ID: fmt.Sprintf("%s/%s/%s", retailer.ID, batch.ProductID, batch.ID)}
		}
		if quantity > pos.QuantityInStock {
			return &ledger.InsufficientQuantityError{
				BatchID:   batch.ID,
				Holder:    retailer.Ref(),
				Available: pos.QuantityInStock,
				Requested: quantity,
			}
		}

		nextPos := *pos
		nextPos.QuantityInStock -= quantity
		if err := checkPosition(&nextPos); err != nil {
			return err
		}
		if err := tx.SetPositionStock(ctx, pos.ID, nextPos.QuantityInStock, nil); err != nil {
			return err
		}

		nextBatch := *batch
		nextBatch.QuantityAvailable += quantity
		if err := checkProducedUnchanged(batch, &nextBatch); err != nil {
			return err
		}
		if err := checkBatch(&nextBatch); err != nil {
			return err
		}
		if err := tx.SetBatchAvailable(ctx, batch.ID, nextBatch.QuantityAvailable); err != nil {
			return err
		}

		m := e.newMovement(ledger.KindReturn, batch.ID, retailer.Ref(), refPtr(manufacturer), quantity, nil, notes)
		return e.append(ctx, tx, m)
	})
}

// =============================================================================
// RECALL
// =============================================================================

// Recall pulls every retailer position of a batch back to the
// manufacturer, emitting one recall movement per non-empty position.
// Returns the total number of units recalled.
func (e *Engine) Recall(ctx context.Context, batchID, notes string) (int64, error) {
	var recalled int64
	err := e.store.WithTx(ctx, func(tx Store) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return &ledger.NotFoundError{Entity: "batch", ID: batchID}
		}
		product, err := tx.GetProduct(ctx, batch.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return &ledger.NotFoundError{Entity: "product", ID: batch.ProductID}
		}
		manufacturer := ledger.PartyRef{Type: ledger.PartyManufacturer, ID: product.ManufacturerID}

		positions, err := tx.PositionsByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}

		recalled = 0
		for _, pos := range positions {
			if pos.QuantityInStock == 0 {
				continue
			}
			qty := pos.QuantityInStock
			next := pos
			next.QuantityInStock = 0
			if err := checkPosition(&next); err != nil {
				return err
			}
			if err := tx.SetPositionStock(ctx, pos.ID, 0, nil); err != nil {
				return err
			}

			source := ledger.PartyRef{Type: ledger.PartyRetailer, ID: pos.RetailerID}
			m := e.newMovement(ledger.KindRecall, batch.ID, source, refPtr(manufacturer), qty, nil, notes)
			if err := e.append(ctx, tx, m); err != nil {
				return err
			}
			recalled += qty
		}

		if recalled > 0 {
			next := *batch
			next.QuantityAvailable += recalled
			if err := checkProducedUnchanged(batch, &next); err != nil {
				return err
			}
			if err := checkBatch(&next); err != nil {
				return err
			}
			if err := tx.SetBatchAvailable(ctx, batch.ID, next.QuantityAvailable); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recalled, nil
}

// =============================================================================
// DISPOSAL
// =============================================================================

// Dispose destroys quantity held by the given party: the owning
// manufacturer disposes unshipped batch stock, a retailer disposes from
// its position. The movement is a self-loop at the holder.
func (e *Engine) Dispose(ctx context.Context, batchID string, holder ledger.PartyRef, quantity int64, notes string) error {
	if quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", quantity)}
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return &ledger.NotFoundError{Entity: "batch", ID: batchID}
		}

		switch holder.Type {
		case ledger.PartyManufacturer:
			product, err := tx.GetProduct(ctx, batch.ProductID)
			if err != nil {
				return err
			}
			if product == nil {
				return &ledger.NotFoundError{Entity: "product", ID: batch.ProductID}
			}
			if product.ManufacturerID != holder.ID {
				return &ledger.ValidationError{Field: "holder", Message: fmt.Sprintf("manufacturer %s does not own batch %s", holder.ID, batch.Reference)}
			}
			if quantity > batch.QuantityAvailable {
				return &ledger.InsufficientQuantityError{BatchID: batch.ID, Holder: holder, Available: batch.QuantityAvailable, Requested: quantity}
			}
			next := *batch
			next.QuantityAvailable -= quantity
			if err := checkProducedUnchanged(batch, &next); err != nil {
				return err
			}
			if err := checkBatch(&next); err != nil {
				return err
			}
			if err := tx.SetBatchAvailable(ctx, batch.ID, next.QuantityAvailable); err != nil {
				return err
			}

		case ledger.PartyRetailer:
			pos, err := tx.GetPosition(ctx, holder.ID, batch.ProductID, batch.ID)
			if err != nil {
				return err
			}
			if pos == nil {
				return &ledger.NotFoundError{Entity: "position", ID: fmt.Sprintf("%s/%s/%s", holder.ID, batch.ProductID, batch.ID)}
			}
			if quantity > pos.QuantityInStock {
				return &ledger.InsufficientQuantityError{BatchID: batch.ID, Holder: holder, Available: pos.QuantityInStock, Requested: quantity}
			}
			next := *pos
			next.QuantityInStock -= quantity
			if err := checkPosition(&next); err != nil {
				return err
			}
			if err := tx.SetPositionStock(ctx, pos.ID, next.QuantityInStock, nil); err != nil {
				return err
			}

		default:
			return &ledger.ValidationError{Field: "holder", Message: fmt.Sprintf("a %s cannot dispose stock", holder.Type)}
		}

		m := e.newMovement(ledger.KindDisposal, batch.ID, holder, refPtr(holder), quantity, nil, notes)
		return e.append(ctx, tx, m)
	})
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves quantity of a batch between two retailers. The receiving
// position inherits the source position's price.
func (e *Engine) Transfer(ctx context.Context, batchID, fromRetailerID, toRetailerID string, quantity int64) error {
	if quantity <= 0 {
		return &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", quantity)}
	}
	if fromRetailerID == toRetailerID {
		return &ledger.ValidationError{Field: "to_retailer_id", Message: "source and destination retailers must differ"}
	}

	return e.store.WithTx(ctx, func(tx Store) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return &ledger.NotFoundError{Entity: "batch", ID: batchID}
		}
		from, err := e.resolveParty(ctx, tx, fromRetailerID, ledger.PartyRetailer)
		if err != nil {
			return err
		}
		to, err := e.resolveParty(ctx, tx, toRetailerID, ledger.PartyRetailer)
		if err != nil {
			return err
		}

		src, err := tx.GetPosition(ctx, from.ID, batch.ProductID, batch.ID)
		if err != nil {
			return err
		}
		if src == nil {
			return &ledger.NotFoundError{Entity: "position", ID: fmt.Sprintf("%s/%s/%s", from.ID, batch.ProductID, batch.ID)}
		}
		if quantity > src.QuantityInStock {
			return &ledger.InsufficientQuantityError{BatchID: batch.ID, Holder: from.Ref(), Available: src.QuantityInStock, Requested: quantity}
		}

		nextSrc := *src
		nextSrc.QuantityInStock -= quantity
		if err := checkPosition(&nextSrc); err != nil {
			return err
		}
		if err := tx.SetPositionStock(ctx, src.ID, nextSrc.QuantityInStock, nil); err != nil {
			return err
		}

		price := src.UnitPrice
		if err := e.creditPosition(ctx, tx, to.ID, batch.ProductID, batch.ID, quantity, &price); err != nil {
			return err
		}

		m := e.newMovement(ledger.KindTransfer, batch.ID, from.Ref(), refPtr(to.Ref()), quantity, &price, "")
		return e.append(ctx, tx, m)
	})
}

// =============================================================================
// READ SIDE
// =============================================================================

// StockSnapshot exposes the stable read query consumed by the external
// search and proximity subsystems.
func (e *Engine) StockSnapshot(ctx context.Context) ([]StockRow, error) {
	return e.store.StockSnapshot(ctx)
}

// GetBatch returns a batch by id.
func (e *Engine) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &ledger.NotFoundError{Entity: "batch", ID: id}
	}
	return b, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// creditPosition adds quantity to the (retailer, product, batch) position,
// creating it on first receipt. When unitPrice is non-nil the position's
// price is updated to it.
func (e *Engine) creditPosition(ctx context.Context, tx Store, retailerID, productID, batchID string, quantity int64, unitPrice *decimal.Decimal) error {
	pos, err := tx.GetPosition(ctx, retailerID, productID, batchID)
	if err != nil {
		return err
	}
	if pos == nil {
		now := e.Now().UTC()
		created := Position{
			ID:              uuid.NewString(),
			RetailerID:      retailerID,
			ProductID:       productID,
			BatchID:         batchID,
			QuantityInStock: quantity,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if unitPrice != nil {
			created.UnitPrice = *unitPrice
		}
		if err := checkPosition(&created); err != nil {
			return err
		}
		return tx.InsertPosition(ctx, created)
	}

	next := *pos
	next.QuantityInStock += quantity
	if unitPrice != nil {
		next.UnitPrice = *unitPrice
	}
	if err := checkPosition(&next); err != nil {
		return err
	}
	return tx.SetPositionStock(ctx, pos.ID, next.QuantityInStock, unitPrice)
}

// append validates a movement, verifies referential closure, and writes it.
// Every movement in the system goes through here.
func (e *Engine) append(ctx context.Context, tx Store, m ledger.Movement) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := checkMovementClosure(ctx, tx, m); err != nil {
		return err
	}
	return tx.AppendMovement(ctx, m)
}

func (e *Engine) newMovement(kind ledger.Kind, batchID string, source ledger.PartyRef, dest *ledger.PartyRef, quantity int64, unitPrice *decimal.Decimal, notes string) ledger.Movement {
	now := e.Now().UTC()
	return ledger.Movement{
		ID:          uuid.NewString(),
		Kind:        kind,
		BatchID:     batchID,
		Source:      source,
		Destination: dest,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Notes:       notes,
		OccurredAt:  now,
		CreatedAt:   now,
	}
}

// resolveParty loads a party and verifies its type.
func (e *Engine) resolveParty(ctx context.Context, tx Store, id string, want ledger.PartyType) (*Party, error) {
	p, err := tx.GetParty(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ledger.NotFoundError{Entity: "party", ID: id}
	}
	if p.Type != want {
		return nil, &ledger.ValidationError{Field: "party", Message: fmt.Sprintf("party %s is a %s, expected %s", id, p.Type, want)}
	}
	return p, nil
}

// loadShipmentParties resolves the (batch, retailer, owning manufacturer)
// triple shared by the return path.
func (e *Engine) loadShipmentParties(ctx context.Context, tx Store, batchID, retailerID string) (*Batch, *Party, ledger.PartyRef, error) {
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, ledger.PartyRef{}, err
	}
	if batch == nil {
		return nil, nil, ledger.PartyRef{}, &ledger.NotFoundError{Entity: "batch", ID: batchID}
	}
	retailer, err := e.resolveParty(ctx, tx, retailerID, ledger.PartyRetailer)
	if err != nil {
		return nil, nil, ledger.PartyRef{}, err
	}
	product, err := tx.GetProduct(ctx, batch.ProductID)
	if err != nil {
		return nil, nil, ledger.PartyRef{}, err
	}
	if product == nil {
		return nil, nil, ledger.PartyRef{}, &ledger.NotFoundError{Entity: "product", ID: batch.ProductID}
	}
	manufacturer := ledger.PartyRef{Type: ledger.PartyManufacturer, ID: product.ManufacturerID}
	return batch, retailer, manufacturer, nil
}

func refPtr(r ledger.PartyRef) *ledger.PartyRef { return &r }
