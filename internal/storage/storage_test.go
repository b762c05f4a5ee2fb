package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whatworked/distengine/internal/types"
)

func TestNewStorage_SQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "distengine.db")

	s, err := NewStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	pairs, err := s.ListPairs(context.Background(), types.PairFilter{})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestNewStorage_UnknownDriver(t *testing.T) {
	_, err := NewStorage(context.Background(), &Config{Driver: "mongodb"})
	assert.ErrorContains(t, err, `unknown storage driver "mongodb"`)
}
