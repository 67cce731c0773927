/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Unit prices travel as JSON strings ("4.99") and are parsed with
  shopspring/decimal in the handlers. Floats never touch money.

VALIDATION:
  Validation is done in handlers and in the custody engine, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - custody/types.go: The domain model these mirror
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
)

// =============================================================================
// PARTIES AND PRODUCTS
// =============================================================================

// PartyDTO represents a supply-chain actor in API responses.
type PartyDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreatePartyRequest is the request to register a party.
type CreatePartyRequest struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// ProductDTO represents a catalog entry in API responses.
type ProductDTO struct {
	ID             string `json:"id"`
	ManufacturerID string `json:"manufacturer_id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// CreateProductRequest is the request to register a product.
type CreateProductRequest struct {
	ID             string `json:"id,omitempty"`
	ManufacturerID string `json:"manufacturer_id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
}

// =============================================================================
// BATCHES AND CUSTODY OPERATIONS
// =============================================================================

// BatchDTO represents a produced lot in API responses.
type BatchDTO struct {
	ID                string            `json:"id"`
	Reference         string            `json:"reference"`
	ProductID         string            `json:"product_id"`
	ManufactureDate   string            `json:"manufacture_date"`
	ExpiryDate        string            `json:"expiry_date"`
	QuantityProduced  int64             `json:"quantity_produced"`
	QuantityAvailable int64             `json:"quantity_available"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	CreatedAt         string            `json:"created_at,omitempty"`
}

// ManufactureRequest is the request to record production of a new batch.
type ManufactureRequest struct {
	ProductID        string            `json:"product_id"`
	Reference        string            `json:"reference,omitempty"`
	ManufactureDate  string            `json:"manufacture_date"`
	ExpiryDate       string            `json:"expiry_date"`
	QuantityProduced int64             `json:"quantity_produced"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// ShipRequest moves batch stock from the manufacturer to a retailer.
type ShipRequest struct {
	RetailerID string `json:"retailer_id"`
	Quantity   int64  `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
}

// ReturnRequest moves batch stock from a retailer back to the manufacturer.
type ReturnRequest struct {
	RetailerID string `json:"retailer_id"`
	Quantity   int64  `json:"quantity"`
	Notes      string `json:"notes,omitempty"`
}

// DisposeRequest destroys stock held by the given party.
type DisposeRequest struct {
	HolderType string `json:"holder_type"`
	HolderID   string `json:"holder_id"`
	Quantity   int64  `json:"quantity"`
	Notes      string `json:"notes,omitempty"`
}

// RecallRequest pulls a batch back from every retailer.
type RecallRequest struct {
	Notes string `json:"notes,omitempty"`
}

// TransferRequest moves stock between two retailers.
type TransferRequest struct {
	FromRetailerID string `json:"from_retailer_id"`
	ToRetailerID   string `json:"to_retailer_id"`
	Quantity       int64  `json:"quantity"`
}

// RecallResponseDTO reports the total quantity pulled back.
type RecallResponseDTO struct {
	BatchID       string `json:"batch_id"`
	QuantityPulled int64 `json:"quantity_pulled"`
}

// =============================================================================
// SALES
// =============================================================================

// SaleItemDTO is one line of a consumer purchase.
type SaleItemDTO struct {
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// SaleRequest records a consumer purchase. ConsumerID null = anonymous.
type SaleRequest struct {
	RetailerID string        `json:"retailer_id"`
	ConsumerID *string       `json:"consumer_id,omitempty"`
	Items      []SaleItemDTO `json:"items"`
}

// PurchaseItemDTO is a persisted line item in API responses.
type PurchaseItemDTO struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// PurchaseDTO represents a completed purchase.
type PurchaseDTO struct {
	ID          string            `json:"id"`
	RetailerID  string            `json:"retailer_id"`
	ConsumerID  *string           `json:"consumer_id,omitempty"`
	TotalAmount string            `json:"total_amount"`
	CreatedAt   string            `json:"created_at"`
	Items       []PurchaseItemDTO `json:"items"`
}

// =============================================================================
// TRACE, STOCK, RECONCILIATION
// =============================================================================

// MovementDTO is one ledger entry in API responses.
type MovementDTO struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	BatchID    string  `json:"batch_id"`
	Quantity   int64   `json:"quantity"`
	UnitPrice  *string `json:"unit_price,omitempty"`
	VerifiedBy string  `json:"verified_by,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	OccurredAt string  `json:"occurred_at"`
}

// TraceStepDTO is one resolved step in a batch's custody chain.
type TraceStepDTO struct {
	MovementDTO
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// StockRowDTO is one row of the retail stock snapshot.
type StockRowDTO struct {
	RetailerID      string `json:"retailer_id"`
	RetailerName    string `json:"retailer_name"`
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	BatchID         string `json:"batch_id"`
	BatchReference  string `json:"batch_reference"`
	QuantityInStock int64  `json:"quantity_in_stock"`
	UnitPrice       string `json:"unit_price"`
	ExpiryDate      string `json:"expiry_date"`
}

// ReconciliationResultDTO is the outcome of one replay check.
type ReconciliationResultDTO struct {
	BatchID    string `json:"batch_id"`
	Reference  string `json:"reference"`
	Stored     int64  `json:"stored"`
	Replayed   int64  `json:"replayed"`
	Movements  int    `json:"movements"`
	Consistent bool   `json:"consistent"`
	Drift      int64  `json:"drift"`
	CheckedAt  string `json:"checked_at"`
}

// ReconciliationRunDTO is a persisted run record.
type ReconciliationRunDTO struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Stored      int64  `json:"stored"`
	Replayed    int64  `json:"replayed"`
	Movements   int    `json:"movements"`
	CompletedAt string `json:"completed_at"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toPartyDTO(p custody.Party) PartyDTO {
	return PartyDTO{
		ID:        p.ID,
		Type:      string(p.Type),
		Name:      p.Name,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func toProductDTO(p custody.Product) ProductDTO {
	return ProductDTO{
		ID:             p.ID,
		ManufacturerID: p.ManufacturerID,
		Name:           p.Name,
		Category:       p.Category,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

func toBatchDTO(b custody.Batch) BatchDTO {
	return BatchDTO{
		ID:                b.ID,
		Reference:         b.Reference,
		ProductID:         b.ProductID,
		ManufactureDate:   b.ManufactureDate.Format("2006-01-02"),
		ExpiryDate:        b.ExpiryDate.Format("2006-01-02"),
		QuantityProduced:  b.QuantityProduced,
		QuantityAvailable: b.QuantityAvailable,
		Attributes:        b.Attributes,
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
	}
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	dto := MovementDTO{
		ID:         m.ID,
		Kind:       string(m.Kind),
		BatchID:    m.BatchID,
		Quantity:   m.Quantity,
		VerifiedBy: m.VerifiedBy,
		Notes:      m.Notes,
		OccurredAt: m.OccurredAt.Format(time.RFC3339),
	}
	if m.UnitPrice != nil {
		s := m.UnitPrice.String()
		dto.UnitPrice = &s
	}
	return dto
}

func toTraceStepDTO(s custody.TraceStep) TraceStepDTO {
	return TraceStepDTO{
		MovementDTO: toMovementDTO(s.Movement),
		Source:      s.SourceLabel,
		Destination: s.DestLabel,
	}
}

func toStockRowDTO(r custody.StockRow) StockRowDTO {
	return StockRowDTO{
		RetailerID:      r.RetailerID,
		RetailerName:    r.RetailerName,
		ProductID:       r.ProductID,
		ProductName:     r.ProductName,
		BatchID:         r.BatchID,
		BatchReference:  r.BatchReference,
		QuantityInStock: r.QuantityInStock,
		UnitPrice:       r.UnitPrice.String(),
		ExpiryDate:      r.ExpiryDate.Format("2006-01-02"),
	}
}

func toPurchaseDTO(p custody.Purchase) PurchaseDTO {
	dto := PurchaseDTO{
		ID:          p.ID,
		RetailerID:  p.RetailerID,
		ConsumerID:  p.ConsumerID,
		TotalAmount: p.TotalAmount.String(),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
	for _, item := range p.Items {
		dto.Items = append(dto.Items, PurchaseItemDTO{
			ID:        item.ID,
			ProductID: item.ProductID,
			BatchID:   item.BatchID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	return dto
}

func toReconciliationResultDTO(r custody.ReconciliationResult) ReconciliationResultDTO {
	return ReconciliationResultDTO{
		BatchID:    r.BatchID,
		Reference:  r.Reference,
		Stored:     r.Stored,
		Replayed:   r.Replayed,
		Movements:  r.Movements,
		Consistent: r.Consistent(),
		Drift:      r.Drift(),
		CheckedAt:  r.CheckedAt.Format(time.RFC3339),
	}
}

func parsePrice(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
