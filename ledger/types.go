/*
Package ledger provides the movement-log primitives for the custody engine.

PURPOSE:
  This package contains the domain types shared by every component that
  touches the chain-of-custody log: movement kinds, party references,
  the immutable Movement record, and the replay algorithm that turns a
  movement history back into a batch's available quantity.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: What happened (manufacture, ship_to_retailer, sale_to_consumer, ...)
  - PartyRef: Who held the stock before and after (type + id)
  - Movement: An immutable ledger entry recording one custody transfer

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified or deleted, only appended
  2. Precision: Uses decimal.Decimal for money to avoid floating-point errors
  3. Derivation: Batch and position quantities are caches; the movement log
     is the system of record and must always reproduce them on replay

SEE ALSO:
  - movement.go: Signed replay semantics and validation
  - errors.go: Error taxonomy shared by all components
  - custody/engine.go: Transactional operations that append movements
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MOVEMENT KINDS
// =============================================================================

// Kind identifies what kind of custody transfer a movement records.
type Kind string

const (
	KindManufacture    Kind = "manufacture"      // Batch creation (genesis self-loop at the manufacturer)
	KindShipToRetailer Kind = "ship_to_retailer" // Manufacturer stock shipped to a retailer
	KindSaleToConsumer Kind = "sale_to_consumer" // Retailer stock sold to a consumer
	KindReturn         Kind = "return"           // Retailer stock returned to the manufacturer
	KindDisposal       Kind = "disposal"         // Stock destroyed by its current holder
	KindRecall         Kind = "recall"           // Retailer stock pulled back by the manufacturer
	KindTransfer       Kind = "transfer"         // Retailer-to-retailer transfer
)

// Kinds returns all known movement kinds.
func Kinds() []Kind {
	return []Kind{
		KindManufacture, KindShipToRetailer, KindSaleToConsumer,
		KindReturn, KindDisposal, KindRecall, KindTransfer,
	}
}

// Known reports whether k is a recognized movement kind.
func (k Kind) Known() bool {
	switch k {
	case KindManufacture, KindShipToRetailer, KindSaleToConsumer,
		KindReturn, KindDisposal, KindRecall, KindTransfer:
		return true
	}
	return false
}

// =============================================================================
// PARTIES
// =============================================================================

// PartyType identifies the unit of custody in a movement.
type PartyType string

const (
	PartyManufacturer PartyType = "manufacturer"
	PartyRetailer     PartyType = "retailer"
	PartyConsumer     PartyType = "consumer"
)

// Known reports whether t is a recognized party type.
func (t PartyType) Known() bool {
	switch t {
	case PartyManufacturer, PartyRetailer, PartyConsumer:
		return true
	}
	return false
}

// PartyRef identifies one side of a custody transfer.
type PartyRef struct {
	Type PartyType
	ID   string
}

// IsZero reports whether the reference is unset.
func (p PartyRef) IsZero() bool {
	return p.Type == "" && p.ID == ""
}

// =============================================================================
// MOVEMENT - Immutable custody transfer record
// =============================================================================

// Movement records one custody transfer of a quantity of a batch between
// two parties. Once written it is never mutated or deleted: corrections
// are expressed as further movements (returns, disposals, recalls).
//
// Destination is nil for anonymous consumer sales. There is no sentinel
// party id; absence of a destination is represented as absence.
type Movement struct {
	ID          string
	Seq         int64 // Store-assigned, monotonic. Breaks timestamp ties.
	Kind        Kind
	BatchID     string
	Source      PartyRef
	Destination *PartyRef
	Quantity    int64
	UnitPrice   *decimal.Decimal
	VerifiedBy  string
	Notes       string
	OccurredAt  time.Time
	CreatedAt   time.Time
}
