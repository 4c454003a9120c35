package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/httputil"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// MaterialHandler handles raw material endpoints
type MaterialHandler struct {
	service *service.ProvenanceService
	logger  *logger.Logger
}

// NewMaterialHandler creates a new material handler
func NewMaterialHandler(svc *service.ProvenanceService, log *logger.Logger) *MaterialHandler {
	return &MaterialHandler{
		service: svc,
		logger:  log,
	}
}

// List lists raw materials
func (h *MaterialHandler) List(w http.ResponseWriter, r *http.Request) {
	materials, err := h.service.ListMaterials(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, materials, &httputil.Meta{Total: int64(len(materials))})
}

// Get gets a raw material by ID
func (h *MaterialHandler) Get(w http.ResponseWriter, r *http.Request) {
	material, err := h.service.GetMaterial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, material)
}

// Restock adds stock to a raw material
func (h *MaterialHandler) Restock(w http.ResponseWriter, r *http.Request) {
	actorID, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"decimal_positive"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	material, err := h.service.Restock(r.Context(), chi.URLParam(r, "id"), req.Amount, actorID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, material)
}
