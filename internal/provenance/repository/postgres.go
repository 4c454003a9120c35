package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/internal/provenance/inventory"
	"github.com/medflow/provenance-backend/pkg/database"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// PostgresStore persists provenance state in PostgreSQL. Stock rows are locked
// with SELECT ... FOR UPDATE in id order and the batch row is locked before
// every ledger append.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the provenance schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.Exec(ctx, Migrations())
}

const (
	materialColumns = `id, name, unit, current_stock, min_threshold, updated_at`
	batchColumns    = `batch_id, product_id, product_name, product_type, quantity_produced,
		manufacture_date, expiry_date, status, ledger, created_at, updated_at`
)

type productRow struct {
	ID      string        `db:"id"`
	Name    string        `db:"name"`
	Type    string        `db:"type"`
	Formula formulaColumn `db:"formula"`
}

type materialRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Unit         string          `db:"unit"`
	CurrentStock decimal.Decimal `db:"current_stock"`
	MinThreshold decimal.Decimal `db:"min_threshold"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r *materialRow) toDomain() *domain.RawMaterial {
	return &domain.RawMaterial{
		ID:           r.ID,
		Name:         r.Name,
		Unit:         r.Unit,
		CurrentStock: r.CurrentStock,
		MinThreshold: r.MinThreshold,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

type batchRow struct {
	BatchID          string          `db:"batch_id"`
	ProductID        string          `db:"product_id"`
	ProductName      string          `db:"product_name"`
	ProductType      string          `db:"product_type"`
	QuantityProduced decimal.Decimal `db:"quantity_produced"`
	ManufactureDate  time.Time       `db:"manufacture_date"`
	ExpiryDate       time.Time       `db:"expiry_date"`
	Status           string          `db:"status"`
	Ledger           ledgerColumn    `db:"ledger"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r *batchRow) toDomain() *domain.Batch {
	return &domain.Batch{
		BatchID:          r.BatchID,
		ProductID:        r.ProductID,
		ProductName:      r.ProductName,
		ProductType:      r.ProductType,
		QuantityProduced: r.QuantityProduced,
		ManufactureDate:  r.ManufactureDate.UTC(),
		ExpiryDate:       r.ExpiryDate.UTC(),
		Status:           domain.Status(r.Status),
		Ledger:           []domain.LedgerEntry(r.Ledger),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

// GetProduct gets a product with its formula
func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	query := `SELECT id, name, type, formula FROM products WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundID("product", "product_id", id)
		}
		return nil, err
	}
	return &domain.Product{
		ID:      row.ID,
		Name:    row.Name,
		Type:    row.Type,
		Formula: []domain.FormulaLine(row.Formula),
	}, nil
}

// PutProduct upserts a product
func (s *PostgresStore) PutProduct(ctx context.Context, p *domain.Product) error {
	query := `
		INSERT INTO products (id, name, type, formula)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type,
			formula = EXCLUDED.formula, updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Type, formulaColumn(p.Formula))
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

// GetMaterial gets a raw material by ID
func (s *PostgresStore) GetMaterial(ctx context.Context, id string) (*domain.RawMaterial, error) {
	var row materialRow
	query := `SELECT ` + materialColumns + ` FROM raw_materials WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundID("material", "material_id", id)
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListMaterials lists all raw materials ordered by ID
func (s *PostgresStore) ListMaterials(ctx context.Context) ([]*domain.RawMaterial, error) {
	var rows []materialRow
	query := `SELECT ` + materialColumns + ` FROM raw_materials ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	materials := make([]*domain.RawMaterial, 0, len(rows))
	for i := range rows {
		materials = append(materials, rows[i].toDomain())
	}
	return materials, nil
}

// PutMaterial upserts a raw material
func (s *PostgresStore) PutMaterial(ctx context.Context, m *domain.RawMaterial) error {
	query := `
		INSERT INTO raw_materials (id, name, unit, current_stock, min_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, unit = EXCLUDED.unit,
			current_stock = EXCLUDED.current_stock, min_threshold = EXCLUDED.min_threshold,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, m.ID, m.Name, m.Unit, m.CurrentStock, m.MinThreshold)
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

// Restock adds amount to the material's stock
func (s *PostgresStore) Restock(ctx context.Context, materialID string, amount decimal.Decimal, at time.Time) (*domain.RawMaterial, error) {
	var row materialRow
	query := `
		UPDATE raw_materials SET current_stock = current_stock + $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + materialColumns

	if err := s.db.GetContext(ctx, &row, query, materialID, amount, at); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundID("material", "material_id", materialID)
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// CreateBatchWithDeduction runs duplicate check, deduction and insert in one transaction.
func (s *PostgresStore) CreateBatchWithDeduction(ctx context.Context, reqs []domain.Requirement, batch *domain.Batch) ([]*domain.RawMaterial, error) {
	var touched []*domain.RawMaterial

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM batches WHERE batch_id = $1)`, batch.BatchID); err != nil {
			return fmt.Errorf("failed to check batch id: %w", err)
		}
		if exists {
			return errors.DuplicateBatchID(batch.BatchID)
		}

		materials, err := lockMaterials(ctx, tx, inventory.MaterialIDs(reqs))
		if err != nil {
			return err
		}

		plan, err := inventory.Plan(reqs, materials)
		if err != nil {
			return err
		}

		for _, d := range plan {
			_, err := tx.ExecContext(ctx,
				`UPDATE raw_materials SET current_stock = current_stock - $2, updated_at = $3 WHERE id = $1`,
				d.MaterialID, d.Amount, batch.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to deduct material %s: %w", d.MaterialID, err)
			}

			m := materials[d.MaterialID]
			m.CurrentStock = d.Remaining
			m.UpdatedAt = batch.CreatedAt
			touched = append(touched, m)
		}

		return insertBatch(ctx, tx, batch)
	})
	if err != nil {
		// A concurrent create with the same id lost the race on the primary key.
		if appErr := database.MapPQError(err); appErr != nil {
			if errors.Is(appErr, errors.ErrDuplicateBatchID) {
				return nil, errors.DuplicateBatchID(batch.BatchID)
			}
			return nil, appErr
		}
		return nil, err
	}

	return touched, nil
}

func lockMaterials(ctx context.Context, tx *sqlx.Tx, ids []string) (map[string]*domain.RawMaterial, error) {
	materials := make(map[string]*domain.RawMaterial, len(ids))
	if len(ids) == 0 {
		return materials, nil
	}

	var rows []materialRow
	query := `SELECT ` + materialColumns + ` FROM raw_materials WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	if err := tx.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to lock materials: %w", err)
	}

	for i := range rows {
		materials[rows[i].ID] = rows[i].toDomain()
	}
	return materials, nil
}

func insertBatch(ctx context.Context, tx *sqlx.Tx, b *domain.Batch) error {
	query := `
		INSERT INTO batches (
			batch_id, product_id, product_name, product_type, quantity_produced,
			manufacture_date, expiry_date, status, ledger, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		b.BatchID, b.ProductID, b.ProductName, b.ProductType, b.QuantityProduced,
		b.ManufactureDate, b.ExpiryDate, string(b.Status), ledgerColumn(b.Ledger),
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// AppendToLedger locks the batch row, applies mutate and appends the new entry.
func (s *PostgresStore) AppendToLedger(ctx context.Context, batchID string, mutate Mutation) (*domain.Batch, *domain.LedgerEntry, error) {
	var (
		batch *domain.Batch
		entry *domain.LedgerEntry
	)

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var row batchRow
		query := `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, query, batchID); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFoundID("batch", "batch_id", batchID)
			}
			return err
		}

		batch = row.toDomain()
		var err error
		entry, err = mutate(batch)
		if err != nil || entry == nil {
			return err
		}

		tail, err := json.Marshal([]domain.LedgerEntry{*entry})
		if err != nil {
			return fmt.Errorf("failed to encode ledger entry: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET status = $2, ledger = ledger || $3::jsonb, updated_at = $4 WHERE batch_id = $1`,
			batchID, string(batch.Status), string(tail), batch.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, nil, appErr
		}
		return nil, nil, err
	}

	return batch, entry, nil
}

// GetBatch gets a batch with its full ledger
func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var row batchRow
	query := `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1`
	if err := s.db.GetContext(ctx, &row, query, batchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundID("batch", "batch_id", batchID)
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListBatches lists batches in insertion order
func (s *PostgresStore) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.Batch, error) {
	var rows []batchRow
	query := `
		SELECT ` + batchColumns + ` FROM batches
		WHERE ($1 = '' OR product_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY seq
	`
	if err := s.db.SelectContext(ctx, &rows, query, filter.ProductID, string(filter.Status)); err != nil {
		return nil, err
	}

	batches := make([]*domain.Batch, 0, len(rows))
	for i := range rows {
		batches = append(batches, rows[i].toDomain())
	}
	return batches, nil
}

// Health reports database connectivity
func (s *PostgresStore) Health(ctx context.Context) map[string]string {
	return s.db.Health(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close(_ context.Context) error {
	return s.db.Close()
}
