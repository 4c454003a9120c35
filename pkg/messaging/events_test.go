package messaging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_RoundTripsData(t *testing.T) {
	in := MaterialLowStockEvent{
		MaterialID:   "MAT-001",
		CurrentStock: decimal.RequireFromString("2.5"),
		MinThreshold: decimal.NewFromInt(10),
	}

	event, err := NewEvent(EventMaterialLowStock, "provenance-service", "corr-1", in)
	require.NoError(t, err)

	assert.Equal(t, EventMaterialLowStock, event.Type)
	assert.Equal(t, "corr-1", event.CorrelationID)
	assert.Contains(t, string(event.Data), `"current_stock":"2.5"`)

	var out MaterialLowStockEvent
	require.NoError(t, event.UnmarshalData(&out))
	assert.Equal(t, "MAT-001", out.MaterialID)
	assert.True(t, out.CurrentStock.Equal(in.CurrentStock))
}

func TestGenerateEventID_IsUUID(t *testing.T) {
	a, b := GenerateEventID(), GenerateEventID()

	_, err := uuid.Parse(a)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}
