package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStore holds LoadSnapshot for one room until release is closed.
type gatedStore struct {
	room    string
	loading chan struct{}
	release chan struct{}
}

func (s *gatedStore) LoadSnapshot(ctx context.Context, room string) (*models.Snapshot, error) {
	if room == s.room {
		close(s.loading)
		<-s.release
	}
	return nil, nil
}

func (s *gatedStore) SaveSnapshot(ctx context.Context, room string, snap models.Snapshot) error {
	return nil
}

func newTestService(t *testing.T, rooms *relay.Manager, opts ...ServiceOption) (*Service, *adapters.Registry) {
	t.Helper()
	limiters := ratelimit.NewSet()
	limiters.Add(ratelimit.New(ratelimit.DefaultName, nil, ratelimit.WithLogger(quiet)))
	reg := adapters.NewRegistry(adapters.NewStub(10*time.Millisecond), quiet)
	opts = append([]ServiceOption{WithLogger(quiet), WithTaskConfig(&tasks.Config{PollInterval: 5 * time.Millisecond})}, opts...)
	svc := NewService(rooms, reg, limiters, opts...)
	t.Cleanup(func() {
		svc.Close()
		limiters.StopAll()
	})
	return svc, reg
}

func TestSlowRoomLoadDoesNotBlockOtherRooms(t *testing.T) {
	gate := &gatedStore{room: "slow", loading: make(chan struct{}), release: make(chan struct{})}
	rooms := relay.NewManager(relay.WithSnapshotStore(gate), relay.WithLogger(quiet))
	defer rooms.Close()
	svc, _ := newTestService(t, rooms)

	slowDone := make(chan error, 1)
	go func() {
		_, err := svc.AddNode(context.Background(), "slow", models.Node{ID: "a"})
		slowDone <- err
	}()
	<-gate.loading

	fastDone := make(chan error, 1)
	go func() {
		_, err := svc.AddNode(context.Background(), "fast", models.Node{ID: "b"})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("fast room waited on the slow room's load")
	}

	close(gate.release)
	select {
	case err := <-slowDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("slow room never opened")
	}

	snap, err := svc.Snapshot(context.Background(), "slow")
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
}

func TestRuntimeIsSharedPerRoom(t *testing.T) {
	rooms := relay.NewManager(relay.WithLogger(quiet))
	defer rooms.Close()
	svc, _ := newTestService(t, rooms)

	const n = 8
	got := make(chan *runtime, n)
	for i := 0; i < n; i++ {
		go func() {
			rt, err := svc.runtimeFor(context.Background(), "r1")
			assert.NoError(t, err)
			got <- rt
		}()
	}
	first := <-got
	for i := 1; i < n; i++ {
		assert.Same(t, first, <-got)
	}
}

func TestGenerateChecksCatalog(t *testing.T) {
	rooms := relay.NewManager(relay.WithLogger(quiet))
	defer rooms.Close()
	svc, reg := newTestService(t, rooms, WithAspectRatios([]string{"1:1", "16:9"}))
	reg.Register("veo-3", adapters.NewStub(time.Millisecond), adapters.Disabled())

	_, err := svc.AddNode(context.Background(), "r1", models.Node{ID: "n1"})
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "r1", tasks.BatchRequest{
		Params: models.GenerationParams{Model: "veo-3", Prompt: "x", NodeID: "n1"},
		Count:  1,
	})
	assert.ErrorIs(t, err, adapters.ErrModelDisabled)

	_, err = svc.Generate(context.Background(), "r1", tasks.BatchRequest{
		Params: models.GenerationParams{Model: "flux-pro", Prompt: "x", NodeID: "n1", Ratio: "9:16"},
		Count:  1,
	})
	assert.ErrorIs(t, err, ErrRatioUnavailable)

	_, err = svc.Generate(context.Background(), "r1", tasks.BatchRequest{
		Params: models.GenerationParams{Model: "flux-pro", Prompt: "x", NodeID: "n1", Ratio: "16:9"},
		Count:  1,
	})
	assert.NoError(t, err)

	cat := svc.Catalog()
	assert.Equal(t, []string{"1:1", "16:9"}, cat.AspectRatios)
	require.Len(t, cat.Models, 1)
	assert.Equal(t, models.NodeKindVideo, cat.Models[0].Kind)
	assert.False(t, cat.Models[0].Enabled)
	assert.Equal(t, "stub", cat.Fallback)
}
