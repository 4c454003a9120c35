package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/httputil"
	"github.com/medflow/provenance-backend/pkg/logger"
)

// ExpiryHandler handles expiry heatmap and FEFO endpoints
type ExpiryHandler struct {
	service *service.ProvenanceService
	logger  *logger.Logger
}

// NewExpiryHandler creates a new expiry handler
func NewExpiryHandler(svc *service.ProvenanceService, log *logger.Logger) *ExpiryHandler {
	return &ExpiryHandler{
		service: svc,
		logger:  log,
	}
}

// Heatmap buckets batches by time to expiry. ?now=RFC3339 overrides the clock.
func (h *ExpiryHandler) Heatmap(w http.ResponseWriter, r *http.Request) {
	var now time.Time
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.Error(w, errors.Validation(map[string]string{"now": "must be an RFC3339 timestamp"}))
			return
		}
		now = parsed
	}

	heatmap, err := h.service.GetExpiryHeatmap(r.Context(), now)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, heatmap)
}

// FEFO returns a product's shippable batches, soonest expiry first
func (h *ExpiryHandler) FEFO(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.SuggestFEFO(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}
