package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live server: REDIS_ADDR=localhost:6379 go test ./...
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := New(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := "test-" + uuid.New().String()

	got, err := s.LoadSnapshot(ctx, room)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := models.Snapshot{
		Nodes:    []models.Node{{ID: "n1", Kind: models.NodeKindVideo}},
		Viewport: models.Viewport{Zoom: 1},
	}
	require.NoError(t, s.SaveSnapshot(ctx, room, snap))

	got, err = s.LoadSnapshot(ctx, room)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "n1", got.Nodes[0].ID)
	assert.False(t, got.UpdatedAt.IsZero())

	rooms, err := s.ListSnapshotRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, room)
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := New(ctx, "127.0.0.1:1", 0)
	assert.Error(t, err)
}
