// Package relay hosts the per-room document relay: it merges document
// deltas from connected peers, rebroadcasts what changed, carries presence
// and keeps a debounced snapshot of every room.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/observability"
	"github.com/fentz26/cineflow/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultRoom is used when a client does not name a room.
const DefaultRoom = "default-room"

// DefaultDebounce is the quiet period before a changed room is saved.
const DefaultDebounce = 2 * time.Second

type config struct {
	store          store.SnapshotStore
	debounce       time.Duration
	maxMessageSize int64
	log            *slog.Logger
	metrics        *observability.Metrics
}

// Option configures a Manager.
type Option func(*config)

// WithSnapshotStore enables snapshot loading and saving.
func WithSnapshotStore(s store.SnapshotStore) Option {
	return func(c *config) { c.store = s }
}

// WithDebounce sets the snapshot quiet period.
func WithDebounce(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithMaxMessageSize bounds the size of an incoming websocket frame.
func WithMaxMessageSize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Manager owns the rooms of one relay. Rooms are created on first use and
// live until Close.
type Manager struct {
	cfg config

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
	loads  singleflight.Group
}

// NewManager creates an empty room manager.
func NewManager(opts ...Option) *Manager {
	cfg := config{
		debounce:       DefaultDebounce,
		maxMessageSize: DefaultMaxMessageSize,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{cfg: cfg, rooms: make(map[string]*Room)}
}

// Room returns the room with the given id, creating it and loading its
// snapshot on first use. Concurrent first calls share one load.
func (m *Manager) Room(ctx context.Context, id string) (*Room, error) {
	if id == "" {
		id = DefaultRoom
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	v, err, _ := m.loads.Do(id, func() (any, error) {
		m.mu.Lock()
		if r, ok := m.rooms[id]; ok {
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()

		r := newRoom(id, m.load(ctx, id), m.cfg)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			r.close()
			return nil, ErrClosed
		}
		m.rooms[id] = r
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", id, err)
	}
	return v.(*Room), nil
}

// load fetches a room's snapshot. A failed load starts the room empty.
func (m *Manager) load(ctx context.Context, id string) *models.Snapshot {
	if m.cfg.store == nil {
		return nil
	}
	snap, err := m.cfg.store.LoadSnapshot(ctx, id)
	if err != nil {
		m.cfg.log.Error("load snapshot", "room", id, "error", err)
		return nil
	}
	return snap
}

// Lookup returns an existing room without creating it.
func (m *Manager) Lookup(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms summarizes every open room, ordered by id.
func (m *Manager) Rooms() []RoomInfo {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Catalog lists the open rooms together with the rooms that only exist in
// the snapshot store, ordered by id. Stored rooms are listed only when the
// store can enumerate them.
func (m *Manager) Catalog(ctx context.Context) ([]RoomInfo, error) {
	out := m.Rooms()
	lister, ok := m.cfg.store.(store.RoomLister)
	if !ok {
		return out, nil
	}
	ids, err := lister.ListSnapshotRooms(ctx)
	if err != nil {
		return out, fmt.Errorf("list stored rooms: %w", err)
	}

	open := make(map[string]bool, len(out))
	for _, r := range out {
		open[r.ID] = true
	}
	for _, id := range ids {
		if !open[id] {
			out = append(out, RoomInfo{ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops every room and flushes pending snapshots.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
	m.cfg.log.Info("relay closed", "rooms", len(rooms))
}
