package bootstrap

import (
	"context"
	"testing"

	"github.com/medflow/provenance-backend/internal/provenance/repository/memory"
	"github.com/medflow/provenance-backend/pkg/config"
	"github.com/medflow/provenance-backend/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_Memory(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Driver: config.StoreDriverMemory}}

	store, err := OpenStore(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}

	_, err := OpenStore(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "sqlite")
}
