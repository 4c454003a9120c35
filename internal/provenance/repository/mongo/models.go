package mongo

import (
	"fmt"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ==================== Catalog models ====================

type productModel struct {
	ID        string             `bson:"_id"`
	Name      string             `bson:"name"`
	Type      string             `bson:"type"`
	Formula   []formulaLineModel `bson:"formula"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

type formulaLineModel struct {
	MaterialID      string          `bson:"material_id"`
	QuantityPerUnit bson.Decimal128 `bson:"quantity_per_unit"`
}

func toProductModel(p *domain.Product) (*productModel, error) {
	lines := make([]formulaLineModel, len(p.Formula))
	for i, l := range p.Formula {
		q, err := toDecimal128(l.QuantityPerUnit)
		if err != nil {
			return nil, err
		}
		lines[i] = formulaLineModel{MaterialID: l.MaterialID, QuantityPerUnit: q}
	}
	return &productModel{
		ID:        p.ID,
		Name:      p.Name,
		Type:      p.Type,
		Formula:   lines,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func fromProductModel(m *productModel) (*domain.Product, error) {
	lines := make([]domain.FormulaLine, len(m.Formula))
	for i, l := range m.Formula {
		q, err := fromDecimal128(l.QuantityPerUnit)
		if err != nil {
			return nil, err
		}
		lines[i] = domain.FormulaLine{MaterialID: l.MaterialID, QuantityPerUnit: q}
	}
	return &domain.Product{
		ID:      m.ID,
		Name:    m.Name,
		Type:    m.Type,
		Formula: lines,
	}, nil
}

// ==================== Material models ====================

type materialModel struct {
	ID           string          `bson:"_id"`
	Name         string          `bson:"name"`
	Unit         string          `bson:"unit"`
	CurrentStock bson.Decimal128 `bson:"current_stock"`
	MinThreshold bson.Decimal128 `bson:"min_threshold"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

func toMaterialModel(m *domain.RawMaterial) (*materialModel, error) {
	stock, err := toDecimal128(m.CurrentStock)
	if err != nil {
		return nil, err
	}
	threshold, err := toDecimal128(m.MinThreshold)
	if err != nil {
		return nil, err
	}
	return &materialModel{
		ID:           m.ID,
		Name:         m.Name,
		Unit:         m.Unit,
		CurrentStock: stock,
		MinThreshold: threshold,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}, nil
}

func fromMaterialModel(m *materialModel) (*domain.RawMaterial, error) {
	stock, err := fromDecimal128(m.CurrentStock)
	if err != nil {
		return nil, err
	}
	threshold, err := fromDecimal128(m.MinThreshold)
	if err != nil {
		return nil, err
	}
	return &domain.RawMaterial{
		ID:           m.ID,
		Name:         m.Name,
		Unit:         m.Unit,
		CurrentStock: stock,
		MinThreshold: threshold,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}, nil
}

// ==================== Batch models ====================

type ledgerEntryModel struct {
	Event        string    `bson:"event"`
	Hash         string    `bson:"hash"`
	PreviousHash string    `bson:"previous_hash"`
	Timestamp    time.Time `bson:"timestamp"`
	Actor        string    `bson:"actor"`
}

// batchModel embeds the ledger. LastHash mirrors the tail hash and is the
// compare-and-swap guard for appends.
type batchModel struct {
	ID               string             `bson:"_id"`
	Seq              int64              `bson:"seq"`
	ProductID        string             `bson:"product_id"`
	ProductName      string             `bson:"product_name"`
	ProductType      string             `bson:"product_type"`
	QuantityProduced bson.Decimal128    `bson:"quantity_produced"`
	ManufactureDate  time.Time          `bson:"manufacture_date"`
	ExpiryDate       time.Time          `bson:"expiry_date"`
	Status           string             `bson:"status"`
	Ledger           []ledgerEntryModel `bson:"ledger"`
	LastHash         string             `bson:"last_hash"`
	CreatedAt        time.Time          `bson:"created_at"`
	UpdatedAt        time.Time          `bson:"updated_at"`
}

func toEntryModel(e domain.LedgerEntry) ledgerEntryModel {
	return ledgerEntryModel{
		Event:        e.Event,
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
		Timestamp:    e.Timestamp.UTC(),
		Actor:        e.Actor,
	}
}

func toBatchModel(b *domain.Batch, seq int64) (*batchModel, error) {
	qty, err := toDecimal128(b.QuantityProduced)
	if err != nil {
		return nil, err
	}

	ledger := make([]ledgerEntryModel, len(b.Ledger))
	for i, e := range b.Ledger {
		ledger[i] = toEntryModel(e)
	}

	m := &batchModel{
		ID:               b.BatchID,
		Seq:              seq,
		ProductID:        b.ProductID,
		ProductName:      b.ProductName,
		ProductType:      b.ProductType,
		QuantityProduced: qty,
		ManufactureDate:  b.ManufactureDate.UTC(),
		ExpiryDate:       b.ExpiryDate.UTC(),
		Status:           string(b.Status),
		Ledger:           ledger,
		CreatedAt:        b.CreatedAt.UTC(),
		UpdatedAt:        b.UpdatedAt.UTC(),
	}
	if last := b.LastEntry(); last != nil {
		m.LastHash = last.Hash
	}
	return m, nil
}

func fromBatchModel(m *batchModel) (*domain.Batch, error) {
	qty, err := fromDecimal128(m.QuantityProduced)
	if err != nil {
		return nil, err
	}

	ledger := make([]domain.LedgerEntry, len(m.Ledger))
	for i, e := range m.Ledger {
		ledger[i] = domain.LedgerEntry{
			Event:        e.Event,
			Hash:         e.Hash,
			PreviousHash: e.PreviousHash,
			Timestamp:    e.Timestamp.UTC(),
			Actor:        e.Actor,
		}
	}

	return &domain.Batch{
		BatchID:          m.ID,
		ProductID:        m.ProductID,
		ProductName:      m.ProductName,
		ProductType:      m.ProductType,
		QuantityProduced: qty,
		ManufactureDate:  m.ManufactureDate.UTC(),
		ExpiryDate:       m.ExpiryDate.UTC(),
		Status:           domain.Status(m.Status),
		Ledger:           ledger,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}, nil
}

// ==================== Decimal conversion ====================

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("provenance/mongo: encode decimal %s: %w", d.String(), err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("provenance/mongo: decode decimal %s: %w", v.String(), err)
	}
	return d, nil
}
