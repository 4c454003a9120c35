package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/internal/provenance/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// catalogFile is the seed document. Amounts are strings so no precision is
// lost to YAML floats.
type catalogFile struct {
	Materials []struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		Unit         string `yaml:"unit"`
		CurrentStock string `yaml:"current_stock"`
		MinThreshold string `yaml:"min_threshold"`
	} `yaml:"materials"`
	Products []struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Type    string `yaml:"type"`
		Formula []struct {
			MaterialID      string `yaml:"material_id"`
			QuantityPerUnit string `yaml:"quantity_per_unit"`
		} `yaml:"formula"`
	} `yaml:"products"`
}

func (a *app) seedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load raw materials and product formulas from a YAML catalog",
		Long: `Upserts every material and product in the catalog. Existing records with
the same id are replaced, including their current stock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			materials, products, err := parseCatalog(f, time.Now().UTC())
			if err != nil {
				return err
			}

			return a.withService(cmd.Context(), func(_ *service.ProvenanceService, store repository.Store) error {
				for _, m := range materials {
					if err := store.PutMaterial(cmd.Context(), m); err != nil {
						return fmt.Errorf("material %s: %w", m.ID, err)
					}
				}
				for _, p := range products {
					if err := store.PutProduct(cmd.Context(), p); err != nil {
						return fmt.Errorf("product %s: %w", p.ID, err)
					}
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "seeded %d materials, %d products\n", len(materials), len(products))
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseCatalog(r io.Reader, now time.Time) ([]*domain.RawMaterial, []*domain.Product, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("parse catalog: %w", err)
	}

	materials := make([]*domain.RawMaterial, 0, len(doc.Materials))
	for _, m := range doc.Materials {
		if m.ID == "" {
			return nil, nil, fmt.Errorf("material without id")
		}
		stock, err := nonNegative(m.CurrentStock)
		if err != nil {
			return nil, nil, fmt.Errorf("material %s current_stock: %w", m.ID, err)
		}
		threshold, err := nonNegative(m.MinThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("material %s min_threshold: %w", m.ID, err)
		}
		materials = append(materials, &domain.RawMaterial{
			ID:           m.ID,
			Name:         m.Name,
			Unit:         m.Unit,
			CurrentStock: stock,
			MinThreshold: threshold,
			UpdatedAt:    now,
		})
	}

	products := make([]*domain.Product, 0, len(doc.Products))
	for _, p := range doc.Products {
		if p.ID == "" {
			return nil, nil, fmt.Errorf("product without id")
		}
		lines := make([]domain.FormulaLine, 0, len(p.Formula))
		for _, l := range p.Formula {
			q, err := nonNegative(l.QuantityPerUnit)
			if err != nil {
				return nil, nil, fmt.Errorf("product %s material %s: %w", p.ID, l.MaterialID, err)
			}
			lines = append(lines, domain.FormulaLine{MaterialID: l.MaterialID, QuantityPerUnit: q})
		}
		products = append(products, &domain.Product{ID: p.ID, Name: p.Name, Type: p.Type, Formula: lines})
	}

	return materials, products, nil
}

func nonNegative(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}
