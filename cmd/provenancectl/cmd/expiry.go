package cmd

import (
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/spf13/cobra"
)

func (a *app) heatmapCmd() *cobra.Command {
	var now string

	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Bucket all batches by time to expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var at time.Time
			if now != "" {
				parsed, err := time.Parse(time.RFC3339, now)
				if err != nil {
					return err
				}
				at = parsed
			}

			return a.withService(cmd.Context(), func(svc *service.ProvenanceService, _ repository.Store) error {
				heatmap, err := svc.GetExpiryHeatmap(cmd.Context(), at)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), heatmap)
			})
		},
	}

	cmd.Flags().StringVar(&now, "now", "", "reference time (RFC3339), defaults to the current time")
	return cmd
}

func (a *app) fefoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fefo <product-id>",
		Short: "List a product's shippable batches, soonest expiry first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.ProvenanceService, _ repository.Store) error {
				batches, err := svc.SuggestFEFO(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), batches)
			})
		},
	}
}
