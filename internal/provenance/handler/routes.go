package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/actor"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/logger"
)

// Mount registers the provenance API under /api/v1/provenance
func Mount(r chi.Router, svc *service.ProvenanceService, log *logger.Logger) {
	batchHandler := NewBatchHandler(svc, log)
	materialHandler := NewMaterialHandler(svc, log)
	expiryHandler := NewExpiryHandler(svc, log)

	r.Route("/api/v1/provenance", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", batchHandler.List)
			r.Post("/", batchHandler.Create)
			r.Get("/{id}", batchHandler.Get)
			r.Put("/{id}/status", batchHandler.UpdateStatus)
			r.Post("/{id}/quality-check", batchHandler.QualityCheck)
			r.Get("/{id}/chain", batchHandler.Chain)
			r.Get("/{id}/verify", batchHandler.Verify)
			r.Get("/{id}/qr-payload", batchHandler.QRPayload)
		})

		r.Get("/products/{id}/fefo", expiryHandler.FEFO)
		r.Get("/expiry/heatmap", expiryHandler.Heatmap)

		r.Route("/materials", func(r chi.Router) {
			r.Get("/", materialHandler.List)
			r.Get("/{id}", materialHandler.Get)
			r.Post("/{id}/restock", materialHandler.Restock)
		})
	})
}

// requireActor returns the caller's id. Every ledger entry names its actor,
// so mutating endpoints refuse anonymous requests.
func requireActor(r *http.Request) (string, error) {
	a := actor.FromContext(r.Context())
	if a == nil || a.ID == "" {
		return "", errors.Unauthorized("missing actor identity")
	}
	return a.ID, nil
}
