// Package chain builds and verifies the per-batch provenance hash chain.
//
// Every entry hashes a canonical payload that includes the previous entry's
// hash, so rewriting history anywhere breaks every later link. Hashes are
// lowercase hex SHA-256 over the JSON encoding of fixed-order structs;
// timestamps are UTC RFC3339Nano at millisecond precision and decimals use
// decimal.String(), which trims trailing zeros, so a record read back from any
// store re-hashes to the same value.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/shopspring/decimal"
)

// RootHash is the previous hash of every genesis entry.
const RootHash = "0"

// EventBatchCreated labels the genesis entry.
const EventBatchCreated = "batch.created"

// ErrEmptyLedger is returned when appending to a batch that has no genesis entry.
var ErrEmptyLedger = errors.New("chain: batch has no genesis entry")

// StatusEvent is the ledger label of a transition into s.
func StatusEvent(s domain.Status) string {
	return "status." + string(s)
}

// Normalize brings a timestamp to the precision every store can round-trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Metadata describes a batch at creation time.
type Metadata struct {
	BatchID          string
	ProductID        string
	ProductName      string
	ProductType      string
	QuantityProduced decimal.Decimal
	ManufactureDate  time.Time
	ExpiryDate       time.Time
}

// NewBatch constructs a batch in production whose ledger holds only the genesis entry.
func NewBatch(meta Metadata, actor string, at time.Time) (*domain.Batch, error) {
	if meta.BatchID == "" {
		return nil, errors.New("chain: batch id is required")
	}
	at = Normalize(at)

	b := &domain.Batch{
		BatchID:          meta.BatchID,
		ProductID:        meta.ProductID,
		ProductName:      meta.ProductName,
		ProductType:      meta.ProductType,
		QuantityProduced: meta.QuantityProduced,
		ManufactureDate:  Normalize(meta.ManufactureDate),
		ExpiryDate:       Normalize(meta.ExpiryDate),
		Status:           domain.StatusInProduction,
		CreatedAt:        at,
		UpdatedAt:        at,
	}

	genesis := domain.LedgerEntry{
		Event:        EventBatchCreated,
		PreviousHash: RootHash,
		Timestamp:    at,
		Actor:        actor,
	}
	hash, err := genesisHash(b, genesis)
	if err != nil {
		return nil, err
	}
	genesis.Hash = hash

	b.Ledger = []domain.LedgerEntry{genesis}
	return b, nil
}

// Append links a new entry onto the batch's ledger tail and returns it.
// Callers must hold the batch's write lock; the chain itself is not synchronized.
func Append(b *domain.Batch, event, actor string, at time.Time) (domain.LedgerEntry, error) {
	last := b.LastEntry()
	if last == nil {
		return domain.LedgerEntry{}, ErrEmptyLedger
	}
	at = Normalize(at)

	entry := domain.LedgerEntry{
		Event:        event,
		PreviousHash: last.Hash,
		Timestamp:    at,
		Actor:        actor,
	}
	hash, err := appendHash(b.BatchID, entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.Hash = hash

	b.Ledger = append(b.Ledger, entry)
	b.UpdatedAt = at
	return entry, nil
}

type genesisPayload struct {
	Event            string `json:"event"`
	BatchID          string `json:"batch_id"`
	ProductID        string `json:"product_id"`
	QuantityProduced string `json:"quantity_produced"`
	ManufactureDate  string `json:"manufacture_date"`
	ExpiryDate       string `json:"expiry_date"`
	PreviousHash     string `json:"previous_hash"`
	Timestamp        string `json:"timestamp"`
}

type appendPayload struct {
	BatchID      string `json:"batch_id"`
	Event        string `json:"event"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    string `json:"timestamp"`
}

func genesisHash(b *domain.Batch, e domain.LedgerEntry) (string, error) {
	return digest(genesisPayload{
		Event:            e.Event,
		BatchID:          b.BatchID,
		ProductID:        b.ProductID,
		QuantityProduced: b.QuantityProduced.String(),
		ManufactureDate:  formatTime(b.ManufactureDate),
		ExpiryDate:       formatTime(b.ExpiryDate),
		PreviousHash:     e.PreviousHash,
		Timestamp:        formatTime(e.Timestamp),
	})
}

func appendHash(batchID string, e domain.LedgerEntry) (string, error) {
	return digest(appendPayload{
		BatchID:      batchID,
		Event:        e.Event,
		PreviousHash: e.PreviousHash,
		Timestamp:    formatTime(e.Timestamp),
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func digest(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("chain: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
