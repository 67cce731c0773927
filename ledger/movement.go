/*
movement.go - Signed replay semantics for the movement log

PURPOSE:
  The movement log is the system of record. Batch.QuantityAvailable is a
  cache that must always be reproducible by replaying the batch's movements
  in commit order and summing signed quantities. This file defines the
  signed delta each kind contributes and the replay itself.

SIGN CONVENTION (effect on Batch.QuantityAvailable):
  manufacture       +q   stock comes into existence at the manufacturer
  ship_to_retailer  -q   stock leaves the manufacturer
  return            +q   retailer stock flows back
  recall            +q   manufacturer pulls stock back
  disposal          -q   only when the manufacturer destroys unshipped stock;
                         retailer-side disposal does not touch availability
  sale_to_consumer   0   moves retailer stock, not manufacturer stock
  transfer           0   moves stock between retailers

RECONCILIATION LAW:
  Replay(movements) == batch.QuantityAvailable, always. The custody package
  verifies this offline (reconcile.go) and tests assert it after every
  operation.

SEE ALSO:
  - custody/reconcile.go: Scheduled verification of the law
  - custody/guard.go: Pre-commit invariant checks
*/
package ledger

import (
	"fmt"
	"sort"
)

// =============================================================================
// SIGNED DELTAS
// =============================================================================

// AvailabilityDelta returns the signed effect of the movement on its
// batch's available quantity at the manufacturer.
func (m Movement) AvailabilityDelta() int64 {
	switch m.Kind {
	case KindManufacture, KindReturn, KindRecall:
		return m.Quantity
	case KindShipToRetailer:
		return -m.Quantity
	case KindDisposal:
		if m.Source.Type == PartyManufacturer {
			return -m.Quantity
		}
		return 0
	default:
		// sale_to_consumer and transfer move retailer stock only.
		return 0
	}
}

// Replay sums signed deltas over a batch's movement history.
// Movements are ordered by (OccurredAt, Seq) before summing so callers
// may pass histories in any order.
func Replay(movements []Movement) int64 {
	ordered := make([]Movement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	var available int64
	for _, m := range ordered {
		available += m.AvailabilityDelta()
	}
	return available
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the structural invariants every movement must satisfy
// before it may be appended. Quantity is strictly positive; direction is
// carried by Kind, never by sign.
func (m Movement) Validate() error {
	if !m.Kind.Known() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown movement kind %q", m.Kind)}
	}
	if m.BatchID == "" {
		return &ValidationError{Field: "batch_id", Message: "movement must reference a batch"}
	}
	if m.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("quantity must be positive, got %d", m.Quantity)}
	}
	if m.Source.IsZero() || !m.Source.Type.Known() {
		return &ValidationError{Field: "source", Message: "movement must have a resolvable source party"}
	}
	if m.Destination != nil && !m.Destination.Type.Known() {
		return &ValidationError{Field: "destination", Message: fmt.Sprintf("unknown party type %q", m.Destination.Type)}
	}
	if m.UnitPrice != nil && m.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unit_price", Message: "unit price cannot be negative"}
	}
	if m.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "movement must carry a timestamp"}
	}
	return nil
}
