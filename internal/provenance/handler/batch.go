package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/httputil"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// BatchHandler handles batch and ledger endpoints
type BatchHandler struct {
	service *service.ProvenanceService
	logger  *logger.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(svc *service.ProvenanceService, log *logger.Logger) *BatchHandler {
	return &BatchHandler{
		service: svc,
		logger:  log,
	}
}

type createBatchRequest struct {
	BatchID          string          `json:"batch_id" validate:"required,max=64"`
	ProductID        string          `json:"product_id" validate:"required"`
	QuantityProduced decimal.Decimal `json:"quantity_produced" validate:"decimal_positive"`
	ManufactureDate  time.Time       `json:"manufacture_date" validate:"required"`
	ExpiryDate       time.Time       `json:"expiry_date" validate:"required,gtfield=ManufactureDate"`
}

// Create creates a batch, deducting its formula from raw material stock
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	actorID, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req createBatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.service.CreateBatch(r.Context(), service.CreateBatchInput{
		BatchID:          req.BatchID,
		ProductID:        req.ProductID,
		QuantityProduced: req.QuantityProduced,
		ManufactureDate:  req.ManufactureDate,
		ExpiryDate:       req.ExpiryDate,
		Actor:            actorID,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, batch)
}

// List lists batches, optionally filtered by product and status
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := domain.BatchFilter{
		ProductID: r.URL.Query().Get("product_id"),
		Status:    domain.Status(r.URL.Query().Get("status")),
	}

	batches, err := h.service.ListBatches(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, batches, &httputil.Meta{Total: int64(len(batches))})
}

// Get gets a batch by ID
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// UpdateStatus moves a batch to a new lifecycle status
func (h *BatchHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actorID, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req struct {
		Status string `json:"status" validate:"required,oneof=in_production quality_check released shipped"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), domain.Status(req.Status), actorID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// QualityCheck applies a Quality Check outcome to a batch
func (h *BatchHandler) QualityCheck(w http.ResponseWriter, r *http.Request) {
	actorID, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req struct {
		Outcome string `json:"outcome" validate:"required,oneof=pass fail"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, entry, err := h.service.ApplyQualityOutcome(r.Context(), chi.URLParam(r, "id"), domain.QualityOutcome(req.Outcome), actorID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"batch":          batch,
		"status_changed": entry != nil,
		"entry":          entry,
	})
}

// Chain returns the batch ledger
func (h *BatchHandler) Chain(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entries)
}

// Verify checks the batch ledger. A broken chain is reported in the body with 200.
func (h *BatchHandler) Verify(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	result, err := h.service.VerifyChain(r.Context(), batchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// QRPayload returns the label payload of a batch
func (h *BatchHandler) QRPayload(w http.ResponseWriter, r *http.Request) {
	payload, err := h.service.GetQRPayload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, payload)
}
