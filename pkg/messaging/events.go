package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	// Provenance events
	EventBatchCreated       = "provenance.batch.created"
	EventBatchStatusChanged = "provenance.batch.status_changed"

	// Raw material events
	EventMaterialLowStock  = "inventory.material.low_stock"
	EventMaterialRestocked = "inventory.material.restocked"

	// Quality Check events (consumed)
	EventQualityCheckCompleted = "quality.check.completed"
)

// Exchange names
const (
	ExchangeProvenanceEvents = "provenance.events"
	ExchangeQualityEvents    = "quality.events"

	exchangeDeadLetter = "dlx.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Provenance Events

// MaterialDeduction is one stock decrement applied while creating a batch
type MaterialDeduction struct {
	MaterialID string          `json:"material_id"`
	Amount     decimal.Decimal `json:"amount"`
	Remaining  decimal.Decimal `json:"remaining"`
}

// BatchCreatedEvent is published after a batch and its deductions commit
type BatchCreatedEvent struct {
	BatchID          string              `json:"batch_id"`
	ProductID        string              `json:"product_id"`
	QuantityProduced decimal.Decimal     `json:"quantity_produced"`
	ManufactureDate  time.Time           `json:"manufacture_date"`
	ExpiryDate       time.Time           `json:"expiry_date"`
	GenesisHash      string              `json:"genesis_hash"`
	Deductions       []MaterialDeduction `json:"deductions"`
	Actor            string              `json:"actor"`
}

// BatchStatusChangedEvent is published after a status entry is appended to a batch ledger
type BatchStatusChangedEvent struct {
	BatchID   string `json:"batch_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	EntryHash string `json:"entry_hash"`
	Trigger   string `json:"trigger"` // manual or quality_check
	Actor     string `json:"actor"`
}

// Raw Material Events

// MaterialLowStockEvent is published when a deduction leaves stock under the minimum threshold
type MaterialLowStockEvent struct {
	MaterialID   string          `json:"material_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	MinThreshold decimal.Decimal `json:"min_threshold"`
	BatchID      string          `json:"batch_id,omitempty"`
}

// MaterialRestockedEvent is published when stock is added to a material
type MaterialRestockedEvent struct {
	MaterialID string          `json:"material_id"`
	Amount     decimal.Decimal `json:"amount"`
	NewStock   decimal.Decimal `json:"new_stock"`
	Actor      string          `json:"actor"`
}

// Quality Check Events

// QualityCheckCompletedEvent is emitted by the Quality Check subsystem
type QualityCheckCompletedEvent struct {
	BatchID string `json:"batch_id"`
	Outcome string `json:"outcome"` // pass or fail
	Actor   string `json:"actor"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.NewString()
}
