/*
guard.go - Cross-cutting invariant checks at every mutation boundary

PURPOSE:
  Every mutating operation calls these checks inside its transaction,
  after computing new state and before commit. A violation aborts the
  enclosing transaction with a ConsistencyError; the caller sees no
  partial effect.

RULES:
  1. Non-negativity: no stock field ever goes below zero
  2. Reservation bound: quantity_reserved <= quantity_in_stock
  3. Production bound: quantity_available <= quantity_produced
  4. Write-once: quantity_produced is fixed at batch creation
  5. Referential closure: every movement's batch, product, and party
     references resolve to existing rows at write time

The guard is the last line of defense. Operations check their own
preconditions first (and raise the friendlier InsufficientQuantityError);
a guard failure past those checks indicates a logic bug or a race.

SEE ALSO:
  - engine.go: Calls checkBatch/checkPosition before every write
  - ledger/errors.go: ConsistencyError definition
*/
package custody

import (
	"context"
	"fmt"

	"github.com/custodia/trace-engine/ledger"
)

// checkBatch enforces batch invariants on the state about to be committed.
func checkBatch(b *Batch) error {
	if b.QuantityAvailable < 0 {
		return &ledger.ConsistencyError{
			Rule:   "non_negative_available",
			Detail: fmt.Sprintf("batch %s quantity_available would be %d", b.ID, b.QuantityAvailable),
		}
	}
	if b.QuantityProduced <= 0 {
		return &ledger.ConsistencyError{
			Rule:   "positive_produced",
			Detail: fmt.Sprintf("batch %s quantity_produced is %d", b.ID, b.QuantityProduced),
		}
	}
	if b.QuantityAvailable > b.QuantityProduced {
		return &ledger.ConsistencyError{
			Rule:   "available_exceeds_produced",
			Detail: fmt.Sprintf("batch %s: available %d > produced %d", b.ID, b.QuantityAvailable, b.QuantityProduced),
		}
	}
	if !b.ExpiryDate.After(b.ManufactureDate) {
		return &ledger.ConsistencyError{
			Rule:   "expiry_after_manufacture",
			Detail: fmt.Sprintf("batch %s: expiry %s not after manufacture %s", b.ID, b.ExpiryDate.Format("2006-01-02"), b.ManufactureDate.Format("2006-01-02")),
		}
	}
	return nil
}

// checkProducedUnchanged enforces the write-once rule for quantity_produced.
func checkProducedUnchanged(stored, next *Batch) error {
	if stored.QuantityProduced != next.QuantityProduced {
		return &ledger.ConsistencyError{
			Rule:   "produced_write_once",
			Detail: fmt.Sprintf("batch %s: quantity_produced %d -> %d", stored.ID, stored.QuantityProduced, next.QuantityProduced),
		}
	}
	return nil
}

// checkPosition enforces inventory position invariants.
func checkPosition(p *Position) error {
	if p.QuantityInStock < 0 {
		return &ledger.ConsistencyError{
			Rule:   "non_negative_stock",
			Detail: fmt.Sprintf("position %s quantity_in_stock would be %d", p.ID, p.QuantityInStock),
		}
	}
	if p.QuantityReserved < 0 {
		return &ledger.ConsistencyError{
			Rule:   "non_negative_reserved",
			Detail: fmt.Sprintf("position %s quantity_reserved would be %d", p.ID, p.QuantityReserved),
		}
	}
	if p.QuantityReserved > p.QuantityInStock {
		return &ledger.ConsistencyError{
			Rule:   "reserved_exceeds_stock",
			Detail: fmt.Sprintf("position %s: reserved %d > in_stock %d", p.ID, p.QuantityReserved, p.QuantityInStock),
		}
	}
	return nil
}

// checkMovementClosure verifies that a movement's references resolve to
// existing rows at write time. No orphan movements, ever.
func checkMovementClosure(ctx context.Context, s Store, m ledger.Movement) error {
	batch, err := s.GetBatch(ctx, m.BatchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return &ledger.ConsistencyError{
			Rule:   "referential_closure",
			Detail: fmt.Sprintf("movement references unknown batch %s", m.BatchID),
		}
	}
	if err := checkPartyResolves(ctx, s, m.Source); err != nil {
		return err
	}
	// A nil destination is an anonymous consumer, which is not a reference
	// and therefore cannot dangle.
	if m.Destination != nil {
		if err := checkPartyResolves(ctx, s, *m.Destination); err != nil {
			return err
		}
	}
	return nil
}

func checkPartyResolves(ctx context.Context, s Store, ref ledger.PartyRef) error {
	p, err := s.GetParty(ctx, ref.ID)
	if err != nil {
		return err
	}
	if p == nil {
		return &ledger.ConsistencyError{
			Rule:   "referential_closure",
			Detail: fmt.Sprintf("movement references unknown %s %s", ref.Type, ref.ID),
		}
	}
	if p.Type != ref.Type {
		return &ledger.ConsistencyError{
			Rule:   "referential_closure",
			Detail: fmt.Sprintf("party %s is a %s, movement claims %s", ref.ID, p.Type, ref.Type),
		}
	}
	return nil
}
