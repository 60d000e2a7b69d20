// Package presence shares ephemeral per-user state, such as cursors and
// selections, between the peers of a room. Presence is not part of the
// document and is never persisted.
package presence

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedUpdate is returned when a presence update cannot be decoded.
var ErrMalformedUpdate = errors.New("malformed presence update")

// State is one user's versioned entry. A nil Entry removes the user.
type State struct {
	UserID  string                `json:"u"`
	Version uint64                `json:"v"`
	Entry   *models.PresenceEntry `json:"e,omitempty"`
}

// Update is a batch of presence states.
type Update struct {
	States []State `json:"states"`
}

// Empty reports whether u carries no states.
func (u Update) Empty() bool {
	return len(u.States) == 0
}

// UserIDs returns the user ids mentioned by u.
func (u Update) UserIDs() []string {
	ids := make([]string, 0, len(u.States))
	for _, s := range u.States {
		ids = append(ids, s.UserID)
	}
	return ids
}

// EncodeUpdate serializes u.
func EncodeUpdate(u Update) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&u); err != nil {
		return nil, fmt.Errorf("encode presence: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeUpdate parses a presence update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, s := range u.States {
		if s.UserID == "" {
			return Update{}, fmt.Errorf("%w: missing user id", ErrMalformedUpdate)
		}
		if s.Entry != nil && s.Entry.UserID != s.UserID {
			return Update{}, fmt.Errorf("%w: entry user %q does not match %q", ErrMalformedUpdate, s.Entry.UserID, s.UserID)
		}
	}
	return u, nil
}

type versioned struct {
	version uint64
	entry   models.PresenceEntry
}

// Registry holds the merged presence of a room. Each user's entry is
// last-writer-wins by version.
type Registry struct {
	mu      sync.Mutex
	entries map[string]versioned

	subMu   sync.Mutex
	subs    map[uint64]func([]models.PresenceEntry)
	nextSub uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]versioned),
		subs:    make(map[uint64]func([]models.PresenceEntry)),
	}
}

// Merge applies u and returns the states that changed the registry.
func (r *Registry) Merge(u Update) Update {
	r.mu.Lock()
	var eff Update
	for _, s := range u.States {
		cur, ok := r.entries[s.UserID]
		if s.Entry == nil {
			if ok && cur.version <= s.Version {
				delete(r.entries, s.UserID)
				eff.States = append(eff.States, s)
			}
			continue
		}
		if ok && cur.version >= s.Version {
			continue
		}
		r.entries[s.UserID] = versioned{version: s.Version, entry: cloneEntry(*s.Entry)}
		eff.States = append(eff.States, s)
	}
	r.mu.Unlock()

	if !eff.Empty() {
		r.notify()
	}
	return eff
}

// Remove drops the given users and returns the removal update to broadcast.
func (r *Registry) Remove(userIDs []string) Update {
	r.mu.Lock()
	var eff Update
	for _, id := range userIDs {
		cur, ok := r.entries[id]
		if !ok {
			continue
		}
		delete(r.entries, id)
		eff.States = append(eff.States, State{UserID: id, Version: cur.version + 1})
	}
	r.mu.Unlock()

	if !eff.Empty() {
		r.notify()
	}
	return eff
}

// Snapshot returns every entry ordered by user id.
func (r *Registry) Snapshot() []models.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []models.PresenceEntry {
	out := make([]models.PresenceEntry, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, cloneEntry(v.entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// State returns the registry as one update, suitable for a new peer.
func (r *Registry) State() Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	var u Update
	for id, v := range r.entries {
		e := cloneEntry(v.entry)
		u.States = append(u.States, State{UserID: id, Version: v.version, Entry: &e})
	}
	sort.Slice(u.States, func(i, j int) bool { return u.States[i].UserID < u.States[j].UserID })
	return u
}

// Len returns the number of present users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Subscribe calls fn with a fresh snapshot after every change.
func (r *Registry) Subscribe(fn func([]models.PresenceEntry)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify() {
	r.subMu.Lock()
	fns := make([]func([]models.PresenceEntry), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	if len(fns) == 0 {
		return
	}

	snap := r.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func cloneEntry(e models.PresenceEntry) models.PresenceEntry {
	if e.Cursor != nil {
		c := *e.Cursor
		e.Cursor = &c
	}
	if e.SelectedNodeID != nil {
		s := *e.SelectedNodeID
		e.SelectedNodeID = &s
	}
	return e
}
