package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/document"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/observability"
	"github.com/fentz26/cineflow/internal/presence"
	"github.com/fentz26/cineflow/internal/protocol"
	"github.com/fentz26/cineflow/internal/store"
)

// Peer is one connected client of a room.
type Peer interface {
	ID() string
	// Send queues a frame for the client. It must not block.
	Send(frame []byte) error
}

// RoomInfo summarizes a room.
type RoomInfo struct {
	ID string `json:"id"`
	// Open is false for rooms that only exist as a stored snapshot.
	Open  bool `json:"open"`
	Peers int  `json:"peers"`
	Users int    `json:"users"`
	Nodes int    `json:"nodes"`
	Edges int    `json:"edges"`
}

type member struct {
	peer  Peer
	users map[string]struct{}
}

// Room relays document and presence frames between the peers of one room.
// The room's replica is the server's copy of the document; edits made
// in-process through it reach every peer.
type Room struct {
	id       string
	doc      *document.Replica
	presence *presence.Registry
	store    store.SnapshotStore
	debounce time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	peers    map[string]*member
	viewport models.Viewport
	timer    *time.Timer
	dirty    bool
	closed   bool

	stopObserve func()
}

func newRoom(id string, snap *models.Snapshot, cfg config) *Room {
	r := &Room{
		id:       id,
		doc:      document.NewReplica("server-" + id),
		presence: presence.NewRegistry(),
		store:    cfg.store,
		debounce: cfg.debounce,
		log:      cfg.log.With("room", id),
		metrics:  cfg.metrics,
		peers:    make(map[string]*member),
	}
	if snap != nil {
		r.viewport = snap.Viewport
		r.doc.Transact(nil, func(tx *document.Txn) {
			for _, n := range snap.Nodes {
				tx.PutNode(n)
			}
			for _, e := range snap.Edges {
				_, src := tx.Node(e.Source)
				_, dst := tx.Node(e.Target)
				if src && dst {
					tx.PutEdge(e)
				}
			}
		})
		r.log.Info("room loaded from snapshot", "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	}
	r.stopObserve = r.doc.Observe(r.onChange)
	return r
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Doc returns the room's document replica.
func (r *Room) Doc() *document.Replica {
	return r.doc
}

// Presence returns the room's presence registry.
func (r *Room) Presence() *presence.Registry {
	return r.presence
}

// Info summarizes the room.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	peers := len(r.peers)
	r.mu.Unlock()
	return RoomInfo{
		ID:    r.id,
		Open:  true,
		Peers: peers,
		Users: r.presence.Len(),
		Nodes: len(r.doc.Nodes()),
		Edges: len(r.doc.Edges()),
	}
}

// Snapshot returns the materialized document.
func (r *Room) Snapshot() models.Snapshot {
	r.mu.Lock()
	vp := r.viewport
	r.mu.Unlock()
	return models.Snapshot{
		Nodes:     r.doc.Nodes(),
		Edges:     r.doc.Edges(),
		Viewport:  vp,
		UpdatedAt: time.Now().UTC(),
	}
}

// Connect registers p and sends it the full document state followed by
// the presence of everyone already in the room.
func (r *Room) Connect(p Peer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.peers[p.ID()] = &member{peer: p, users: make(map[string]struct{})}
	count := len(r.peers)
	r.mu.Unlock()

	r.metrics.PeerConnected(r.id)
	r.log.Info("peer connected", "peer", p.ID(), "peers", count)

	frame, err := protocol.EncodeSync(protocol.SyncStart, r.doc.State())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := p.Send(frame); err != nil {
		return fmt.Errorf("send state: %w", err)
	}

	if st := r.presence.State(); !st.Empty() {
		body, err := presence.EncodeUpdate(st)
		if err != nil {
			return err
		}
		if err := p.Send(protocol.EncodePresence(body)); err != nil {
			return fmt.Errorf("send presence: %w", err)
		}
	}
	return nil
}

// HandleMessage processes one frame from p. Malformed frames are dropped
// and reported; the peer stays connected.
func (r *Room) HandleMessage(p Peer, data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return r.drop(p, "malformed", err)
	}

	switch f.Type {
	case protocol.MessageSync:
		r.metrics.FrameAccepted(f.Kind.String())
		// Rebroadcast happens in onChange with p as origin.
		r.doc.Apply(f.Delta, p)
		if f.Kind == protocol.SyncStart {
			frame, err := protocol.EncodeSync(protocol.SyncState, r.doc.State())
			if err != nil {
				return fmt.Errorf("encode state: %w", err)
			}
			return p.Send(frame)
		}
		return nil

	case protocol.MessagePresence:
		u, err := presence.DecodeUpdate(f.Presence)
		if err != nil {
			return r.drop(p, "presence", err)
		}
		r.metrics.FrameAccepted("presence")

		r.mu.Lock()
		if m, ok := r.peers[p.ID()]; ok {
			for _, s := range u.States {
				if s.Entry != nil {
					m.users[s.UserID] = struct{}{}
				} else {
					delete(m.users, s.UserID)
				}
			}
		}
		r.mu.Unlock()

		eff := r.presence.Merge(u)
		if eff.Empty() {
			return nil
		}
		body, err := presence.EncodeUpdate(eff)
		if err != nil {
			return err
		}
		r.broadcast(protocol.EncodePresence(body), p)
		return nil
	}
	return nil
}

func (r *Room) drop(p Peer, reason string, err error) error {
	r.metrics.FrameDropped(reason)
	r.log.Warn("dropped frame", "peer", p.ID(), "reason", reason, "error", err)
	return err
}

// Disconnect unregisters p and removes the presence entries it announced.
// The document is kept.
func (r *Room) Disconnect(p Peer) {
	r.mu.Lock()
	m, ok := r.peers[p.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.ID())
	count := len(r.peers)
	users := make([]string, 0, len(m.users))
	for id := range m.users {
		users = append(users, id)
	}
	r.mu.Unlock()

	r.metrics.PeerDisconnected(r.id)
	r.log.Info("peer disconnected", "peer", p.ID(), "peers", count)

	removal := r.presence.Remove(users)
	if removal.Empty() {
		return
	}
	body, err := presence.EncodeUpdate(removal)
	if err != nil {
		r.log.Error("encode presence removal", "error", err)
		return
	}
	r.broadcast(protocol.EncodePresence(body), nil)
}

// onChange rebroadcasts every effective delta. A delta from a peer goes to
// everyone else; in-process edits go to everyone.
func (r *Room) onChange(c document.Change) {
	from, _ := c.Origin.(Peer)
	frame, err := protocol.EncodeSync(protocol.SyncUpdate, c.Delta)
	if err != nil {
		r.log.Error("encode update", "error", err)
		return
	}
	r.broadcast(frame, from)
	r.scheduleSave()
}

func (r *Room) broadcast(frame []byte, except Peer) {
	r.mu.Lock()
	targets := make([]Peer, 0, len(r.peers))
	for id, m := range r.peers {
		if except != nil && id == except.ID() {
			continue
		}
		targets = append(targets, m.peer)
	}
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.Send(frame); err != nil {
			r.log.Warn("send to peer", "peer", p.ID(), "error", err)
		}
	}
}

func (r *Room) scheduleSave() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.dirty = true
	if r.timer == nil {
		r.timer = time.AfterFunc(r.debounce, r.save)
		return
	}
	r.timer.Reset(r.debounce)
}

func (r *Room) save() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap := r.Snapshot()
	err := r.store.SaveSnapshot(ctx, r.id, snap)
	r.metrics.SnapshotSaved(err)
	if err != nil {
		r.log.Error("save snapshot", "error", err)
		return
	}
	r.log.Debug("snapshot saved", "nodes", len(snap.Nodes), "edges", len(snap.Edges))
}

// close stops observing the document and writes any pending snapshot.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.stopObserve()
	if r.store != nil {
		r.save()
	}
}

// ErrClosed is returned after the room manager has been closed.
var ErrClosed = errors.New("relay closed")
