// Package domain holds the provenance types shared by the formula resolver,
// the inventory ledger, the batch hash chain and the lifecycle state machine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a production batch.
type Status string

const (
	StatusInProduction Status = "in_production"
	StatusQualityCheck Status = "quality_check"
	StatusReleased     Status = "released"
	StatusShipped      Status = "shipped"
)

// Statuses lists every status in progression order.
var Statuses = []Status{StatusInProduction, StatusQualityCheck, StatusReleased, StatusShipped}

// Rank returns the position of s in the progression, or -1 for unknown values.
func (s Status) Rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// QualityOutcome is the verdict emitted by the Quality Check subsystem.
type QualityOutcome string

const (
	QualityPass QualityOutcome = "pass"
	QualityFail QualityOutcome = "fail"
)

// Valid reports whether o is pass or fail.
func (o QualityOutcome) Valid() bool {
	return o == QualityPass || o == QualityFail
}

// LedgerEntry is one link of a batch's provenance chain.
type LedgerEntry struct {
	Event        string    `json:"event"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previous_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
}

// Batch is one manufactured lot with its append-only ledger embedded inline.
type Batch struct {
	BatchID          string          `json:"batch_id"`
	ProductID        string          `json:"product_id"`
	ProductName      string          `json:"product_name"`
	ProductType      string          `json:"product_type"`
	QuantityProduced decimal.Decimal `json:"quantity_produced"`
	ManufactureDate  time.Time       `json:"manufacture_date"`
	ExpiryDate       time.Time       `json:"expiry_date"`
	Status           Status          `json:"status"`
	Ledger           []LedgerEntry   `json:"ledger"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LastEntry returns the tail of the ledger, or nil for an empty ledger.
func (b *Batch) LastEntry() *LedgerEntry {
	if len(b.Ledger) == 0 {
		return nil
	}
	return &b.Ledger[len(b.Ledger)-1]
}

// Clone returns a deep copy so stores never hand out their own ledger slice.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b
	c.Ledger = make([]LedgerEntry, len(b.Ledger))
	copy(c.Ledger, b.Ledger)
	return &c
}

// QRPayload is the data encoded into a batch label. Image rendering happens elsewhere.
type QRPayload struct {
	BatchID          string          `json:"batchId"`
	Product          string          `json:"product"`
	Type             string          `json:"type"`
	QuantityProduced decimal.Decimal `json:"quantityProduced"`
	MfgDate          time.Time       `json:"mfgDate"`
	ExpDate          time.Time       `json:"expDate"`
}

// QRPayload builds the label payload for the batch.
func (b *Batch) QRPayload() QRPayload {
	return QRPayload{
		BatchID:          b.BatchID,
		Product:          b.ProductName,
		Type:             b.ProductType,
		QuantityProduced: b.QuantityProduced,
		MfgDate:          b.ManufactureDate,
		ExpDate:          b.ExpiryDate,
	}
}

// BatchFilter narrows batch listings. Zero values match everything.
type BatchFilter struct {
	ProductID string
	Status    Status
}

// Matches reports whether b satisfies the filter.
func (f BatchFilter) Matches(b *Batch) bool {
	if f.ProductID != "" && b.ProductID != f.ProductID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}
