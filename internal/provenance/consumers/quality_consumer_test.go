package consumers

import (
	"context"
	"fmt"
	"testing"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/medflow/provenance-backend/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type applierStub struct {
	calls []messaging.QualityCheckCompletedEvent
	err   error
}

func (s *applierStub) ApplyQualityOutcome(_ context.Context, batchID string, outcome domain.QualityOutcome, actor string) (*domain.Batch, *domain.LedgerEntry, error) {
	s.calls = append(s.calls, messaging.QualityCheckCompletedEvent{BatchID: batchID, Outcome: string(outcome), Actor: actor})
	if s.err != nil {
		return nil, nil, s.err
	}
	return &domain.Batch{BatchID: batchID}, nil, nil
}

func qualityEvent(t *testing.T, data messaging.QualityCheckCompletedEvent) *messaging.Event {
	t.Helper()
	event, err := messaging.NewEvent(messaging.EventQualityCheckCompleted, "quality-service", "", data)
	require.NoError(t, err)
	return event
}

func TestHandleQualityCheckCompleted(t *testing.T) {
	stub := &applierStub{}
	c := NewQualityEventHandler(stub, nil)

	err := c.HandleQualityCheckCompleted(context.Background(), qualityEvent(t, messaging.QualityCheckCompletedEvent{
		BatchID: "B-1", Outcome: "pass", Actor: "qa-7",
	}))
	require.NoError(t, err)

	require.Len(t, stub.calls, 1)
	assert.Equal(t, "B-1", stub.calls[0].BatchID)
	assert.Equal(t, "pass", stub.calls[0].Outcome)
	assert.Equal(t, "qa-7", stub.calls[0].Actor)
}

func TestHandleQualityCheckCompleted_DefaultActor(t *testing.T) {
	stub := &applierStub{}
	c := NewQualityEventHandler(stub, nil)

	require.NoError(t, c.HandleQualityCheckCompleted(context.Background(), qualityEvent(t, messaging.QualityCheckCompletedEvent{
		BatchID: "B-1", Outcome: "fail",
	})))
	assert.Equal(t, "quality-check", stub.calls[0].Actor)
}

func TestHandleQualityCheckCompleted_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		requeue bool
	}{
		{"unknown batch is dropped", errors.NotFoundID("batch", "batch_id", "B-1"), false},
		{"bad outcome is dropped", errors.Validation(map[string]string{"outcome": "bad"}), false},
		{"forbidden transition is dropped", errors.InvalidTransition("B-1", "in_production", "released"), false},
		{"store failure is retried", fmt.Errorf("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewQualityEventHandler(&applierStub{err: tt.err}, nil)

			err := c.HandleQualityCheckCompleted(context.Background(), qualityEvent(t, messaging.QualityCheckCompletedEvent{
				BatchID: "B-1", Outcome: "pass",
			}))
			if tt.requeue {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandleQualityCheckCompleted_MalformedData(t *testing.T) {
	c := NewQualityEventHandler(&applierStub{}, nil)

	err := c.HandleQualityCheckCompleted(context.Background(), &messaging.Event{
		Type: messaging.EventQualityCheckCompleted,
		Data: []byte(`"not an object"`),
	})
	assert.Error(t, err)
}
