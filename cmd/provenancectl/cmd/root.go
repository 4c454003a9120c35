// Package cmd provides the provenancectl commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/medflow/provenance-backend/internal/provenance/bootstrap"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/medflow/provenance-backend/pkg/config"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Opener returns the store the commands operate on.
type Opener func(ctx context.Context) (repository.Store, error)

// app is the state shared by all subcommands.
type app struct {
	open    Opener
	output  string
	verbose bool
}

// Execute runs the CLI against the store configured for provenance-service
func Execute() error {
	return NewRootCmd(openConfigured).Execute()
}

// NewRootCmd builds the command tree. Tests pass an Opener backed by the memory store.
func NewRootCmd(open Opener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:   "provenancectl",
		Short: "Inspect and administer the batch provenance ledger",
		Long: `provenancectl reads the same configuration as provenance-service
(config/provenance-service.yaml and MEDFLOW_* environment variables).

Examples:
  provenancectl verify B-2026-001
  provenancectl chain B-2026-001 -o yaml
  provenancectl heatmap --now 2026-06-01T00:00:00Z
  provenancectl fefo PRD-PARA-500
  provenancectl seed -f catalog.yaml`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "output format: json or yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log store activity to stderr")

	root.AddCommand(
		a.verifyCmd(),
		a.chainCmd(),
		a.heatmapCmd(),
		a.fefoCmd(),
		a.seedCmd(),
	)
	return root
}

func openConfigured(ctx context.Context) (repository.Store, error) {
	cfg, err := config.Load("provenance-service")
	if err != nil {
		return nil, err
	}
	return bootstrap.OpenStore(ctx, cfg, logger.New("provenancectl", cfg.Server.Environment))
}

// withService opens the store, runs fn and closes the store again.
func (a *app) withService(ctx context.Context, fn func(svc *service.ProvenanceService, store repository.Store) error) error {
	store, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close(ctx) }()

	log := logger.Nop()
	if a.verbose {
		log = logger.NewWithWriter("provenancectl", os.Stderr)
	}
	return fn(service.NewProvenanceService(store, nil, log, service.Options{}), store)
}

// render writes v as indented JSON or as YAML keyed by the JSON field names.
func (a *app) render(w io.Writer, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	switch a.output {
	case "json":
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case "yaml":
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (expected json or yaml)", a.output)
	}
}
