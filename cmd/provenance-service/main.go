package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/medflow/provenance-backend/internal/provenance/bootstrap"
	"github.com/medflow/provenance-backend/internal/provenance/consumers"
	"github.com/medflow/provenance-backend/internal/provenance/events"
	"github.com/medflow/provenance-backend/internal/provenance/handler"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/actor"
	"github.com/medflow/provenance-backend/pkg/config"
	"github.com/medflow/provenance-backend/pkg/httputil"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/medflow/provenance-backend/pkg/messaging"
)

const serviceName = "provenance-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Str("store", cfg.Store.Driver).Msg("starting Provenance Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store
	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open provenance store")
	}
	defer func() { _ = store.Close(context.Background()) }()

	// Connect to RabbitMQ. Events are optional; without a broker the ledger still works.
	var (
		rmq       *messaging.RabbitMQ
		publisher *events.ProvenanceEventPublisher
	)
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		if err := rmq.DeclareTopology(messaging.ProvenanceTopology(serviceName, consumers.QualityQueue)); err != nil {
			log.Fatal().Err(err).Msg("failed to declare broker topology")
		}

		publisher, err = events.NewProvenanceEventPublisher(rmq, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
	}

	// Initialize service
	provenanceService := service.NewProvenanceService(store, publisher, log, service.Options{
		StrictTransitions: cfg.Lifecycle.StrictTransitions,
		LowStockEvents:    cfg.Inventory.LowStockEvents,
	})

	// Start quality event consumer
	if rmq != nil {
		qualityConsumer, err := consumers.NewQualityEventConsumer(rmq, provenanceService, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create quality event consumer")
		}
		if err := qualityConsumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start quality event consumer")
		}
	}

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httputil.Actor(actor.NewTokenParser(cfg.JWT.Secret, cfg.JWT.Issuer)))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status":  "healthy",
			"service": serviceName,
			"store":   provenanceService.Health(r.Context()),
		}
		if rmq != nil {
			body["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, body)
	})

	// API routes
	handler.Mount(r, provenanceService, log)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
