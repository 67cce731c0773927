/*
handlers.go - HTTP API handlers for the traceability engine

PURPOSE:
  Exposes the custody engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Registry:
    POST   /api/parties                Register a party
    GET    /api/parties/{id}           Get party details
    POST   /api/products               Register a product
    GET    /api/products/{id}          Get product details

  Batches and custody:
    POST   /api/batches                Record manufacture (mints batch)
    GET    /api/batches                List batches
    GET    /api/batches/{id}           Get batch details
    POST   /api/batches/{id}/ship      Ship to retailer
    POST   /api/batches/{id}/return    Return to manufacturer
    POST   /api/batches/{id}/dispose   Destroy held stock
    POST   /api/batches/{id}/recall    Pull back from all retailers
    POST   /api/batches/{id}/transfer  Move stock between retailers

  Sales:
    POST   /api/purchases              Sell to consumer (multi-line)
    GET    /api/purchases/{id}         Get purchase details

  Read side:
    GET    /api/trace/{reference}      Full custody chain for a batch
    GET    /api/stock                  Retail stock snapshot

  Reconciliation:
    POST   /api/reconciliation/run     Replay-check every batch now
    GET    /api/reconciliation/runs    Run history

ERROR HANDLING:
  Domain errors map onto HTTP status by sentinel:
  - 400: ledger.ErrValidation
  - 404: ledger.ErrNotFound
  - 409: ledger.ErrInsufficientQuantity, ledger.ErrConsistencyViolation
  - 503: ledger.ErrResourceBusy (client may retry)
  - 500: everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custodia/trace-engine/custody"
	"github.com/custodia/trace-engine/ledger"
	"github.com/custodia/trace-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *custody.Engine
	Store  *sqlite.Store
	Log    *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler around the given store.
func NewHandler(store *sqlite.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine: custody.NewEngine(store),
		Store:  store,
		Log:    log,
	}
}

// =============================================================================
// PARTY HANDLERS
// =============================================================================

// CreateParty registers a manufacturer, retailer, or consumer.
func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var req CreatePartyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	partyType := ledger.PartyType(req.Type)
	switch partyType {
	case ledger.PartyManufacturer, ledger.PartyRetailer, ledger.PartyConsumer:
	default:
		writeError(w, http.StatusBadRequest, "Unknown party type", nil)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}

	party := custody.Party{
		ID:        req.ID,
		Type:      partyType,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if party.ID == "" {
		party.ID = uuid.NewString()
	}

	if err := h.Store.SaveParty(r.Context(), party); err != nil {
		h.writeDomainError(w, "Failed to create party", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPartyDTO(party))
}

// GetParty returns a single party.
func (h *Handler) GetParty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	party, err := h.Store.GetParty(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get party", err)
		return
	}
	if party == nil {
		writeError(w, http.StatusNotFound, "Party not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toPartyDTO(*party))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// CreateProduct registers a catalog entry owned by a manufacturer.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.Category == "" {
		writeError(w, http.StatusBadRequest, "Name and category are required", nil)
		return
	}

	ctx := r.Context()
	manufacturer, err := h.Store.GetParty(ctx, req.ManufacturerID)
	if err != nil {
		h.writeDomainError(w, "Failed to look up manufacturer", err)
		return
	}
	if manufacturer == nil || manufacturer.Type != ledger.PartyManufacturer {
		writeError(w, http.StatusBadRequest, "manufacturer_id must reference a manufacturer", nil)
		return
	}

	product := custody.Product{
		ID:             req.ID,
		ManufacturerID: req.ManufacturerID,
		Name:           req.Name,
		Category:       req.Category,
		CreatedAt:      time.Now().UTC(),
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}

	if err := h.Store.SaveProduct(ctx, product); err != nil {
		h.writeDomainError(w, "Failed to create product", err)
		return
	}

	writeJSON(w, http.StatusCreated, toProductDTO(product))
}

// GetProduct returns a single product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.Store.GetProduct(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get product", err)
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toProductDTO(*product))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// CreateBatch records production of a new batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req ManufactureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	manufactureDate, err := time.Parse("2006-01-02", req.ManufactureDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid manufacture_date format (use YYYY-MM-DD)", err)
		return
	}
	expiryDate, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
		return
	}

	batch, err := h.Engine.RecordManufacture(r.Context(), req.ProductID, custody.BatchFields{
		Reference:        req.Reference,
		ManufactureDate:  manufactureDate,
		ExpiryDate:       expiryDate,
		QuantityProduced: req.QuantityProduced,
		Attributes:       req.Attributes,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record manufacture", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBatchDTO(*batch))
}

// ListBatches returns all batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatches(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns a single batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batch, err := h.Store.GetBatch(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get batch", err)
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, "Batch not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toBatchDTO(*batch))
}

// ShipBatch moves stock from the manufacturer to a retailer.
func (h *Handler) ShipBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req ShipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	unitPrice, err := parsePrice(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price (use a decimal string)", err)
		return
	}

	if err := h.Engine.ShipToRetailer(r.Context(), batchID, req.RetailerID, req.Quantity, unitPrice); err != nil {
		h.writeDomainError(w, "Failed to ship batch", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "shipped",
		"batch_id":    batchID,
		"retailer_id": req.RetailerID,
		"quantity":    req.Quantity,
	})
}

// ReturnBatch moves stock from a retailer back to the manufacturer.
func (h *Handler) ReturnBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Engine.ReturnToManufacturer(r.Context(), batchID, req.RetailerID, req.Quantity, req.Notes); err != nil {
		h.writeDomainError(w, "Failed to return batch", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "returned",
		"batch_id": batchID,
		"quantity": req.Quantity,
	})
}

// DisposeBatch destroys stock held by the given party.
func (h *Handler) DisposeBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req DisposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	holder := ledger.PartyRef{Type: ledger.PartyType(req.HolderType), ID: req.HolderID}
	if err := h.Engine.Dispose(r.Context(), batchID, holder, req.Quantity, req.Notes); err != nil {
		h.writeDomainError(w, "Failed to dispose stock", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "disposed",
		"batch_id": batchID,
		"quantity": req.Quantity,
	})
}

// RecallBatch pulls a batch back from every retailer holding it.
func (h *Handler) RecallBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	// Notes are optional; an empty body means a recall with no notes.
	var req RecallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pulled, err := h.Engine.Recall(r.Context(), batchID, req.Notes)
	if err != nil {
		h.writeDomainError(w, "Failed to recall batch", err)
		return
	}

	h.Log.Info("batch recalled",
		zap.String("batch_id", batchID),
		zap.Int64("quantity_pulled", pulled))

	writeJSON(w, http.StatusOK, RecallResponseDTO{
		BatchID:        batchID,
		QuantityPulled: pulled,
	})
}

// TransferBatch moves stock between two retailers.
func (h *Handler) TransferBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Engine.Transfer(r.Context(), batchID, req.FromRetailerID, req.ToRetailerID, req.Quantity); err != nil {
		h.writeDomainError(w, "Failed to transfer stock", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "transferred",
		"batch_id": batchID,
		"quantity": req.Quantity,
	})
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// CreatePurchase records a consumer purchase. All lines commit or none do.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "At least one item is required", nil)
		return
	}

	items := make([]custody.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		price, err := parsePrice(it.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unit_price (use a decimal string)", err)
			return
		}
		items = append(items, custody.LineItem{
			ProductID: it.ProductID,
			BatchID:   it.BatchID,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}

	purchase, err := h.Engine.SellToConsumer(r.Context(), req.RetailerID, req.ConsumerID, items)
	if err != nil {
		h.writeDomainError(w, "Failed to record sale", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPurchaseDTO(*purchase))
}

// GetPurchase returns a single purchase with its line items.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	purchase, err := h.Store.GetPurchase(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get purchase", err)
		return
	}
	if purchase == nil {
		writeError(w, http.StatusNotFound, "Purchase not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toPurchaseDTO(*purchase))
}

// =============================================================================
// READ-SIDE HANDLERS
// =============================================================================

// TraceBatch returns the full custody chain for a batch reference.
func (h *Handler) TraceBatch(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	steps, err := h.Engine.Trace(r.Context(), reference)
	if err != nil {
		h.writeDomainError(w, "Failed to trace batch", err)
		return
	}

	dtos := make([]TraceStepDTO, len(steps))
	for i, s := range steps {
		dtos[i] = toTraceStepDTO(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference": reference,
		"steps":     dtos,
	})
}

// GetStock returns the retail stock snapshot.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Engine.StockSnapshot(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to get stock snapshot", err)
		return
	}

	dtos := make([]StockRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toStockRowDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation replay-checks every batch and persists the outcome.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	results, err := h.Engine.ReconcileAll(r.Context(), h.Store)
	if err != nil {
		h.writeDomainError(w, "Failed to run reconciliation", err)
		return
	}

	dtos := make([]ReconciliationResultDTO, len(results))
	drifted := 0
	for i, res := range results {
		dtos[i] = toReconciliationResultDTO(res)
		if !res.Consistent() {
			drifted++
		}
	}

	if drifted > 0 {
		h.Log.Warn("reconciliation found drift", zap.Int("batches", drifted))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checked": len(results),
		"drifted": drifted,
		"results": dtos,
	})
}

// ListReconciliationRuns returns persisted run history, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListReconciliationRuns(r.Context(), 100)
	if err != nil {
		h.writeDomainError(w, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, ReconciliationRunDTO{
			ID:          run.ID,
			BatchID:     run.BatchID,
			Reference:   run.Reference,
			Status:      run.Status,
			Stored:      run.Stored,
			Replayed:    run.Replayed,
			Movements:   run.Movements,
			CompletedAt: run.CompletedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// ResetDatabase clears all data. Development only.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger sentinels onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientQuantity),
		errors.Is(err, ledger.ErrConsistencyViolation):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrResourceBusy):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}
