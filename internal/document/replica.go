// Package document implements the replicated node/edge document shared by
// the peers of a room.
//
// Every entry is keyed by collection and id. Merging an op into an entry is a
// join of three semilattices: deletion is absorbing, the value is
// last-writer-wins by stamp and the order is the minimum order observed. The
// merge is therefore commutative, associative and idempotent, so replicas
// that received the same ops in any order converge.
package document

import (
	"sort"
	"sync"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/google/uuid"
)

// Change describes an effective delta applied to a replica and who caused it.
type Change struct {
	Delta  Delta
	Origin any
}

// Observer is notified after every change that modified the replica.
type Observer func(Change)

type entry struct {
	order   Stamp
	stamp   Stamp
	deleted bool
	node    *models.Node
	edge    *models.Edge
}

// Replica is one copy of a room document.
type Replica struct {
	mu    sync.Mutex
	id    string
	clock uint64
	nodes map[string]*entry
	edges map[string]*entry

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64
}

// NewReplica creates an empty replica. An empty id gets a random one.
func NewReplica(id string) *Replica {
	if id == "" {
		id = uuid.New().String()
	}
	return &Replica{
		id:        id,
		nodes:     make(map[string]*entry),
		edges:     make(map[string]*entry),
		observers: make(map[uint64]Observer),
	}
}

// ID returns the replica id used in stamps.
func (r *Replica) ID() string {
	return r.id
}

// Observe registers fn and returns a function that unregisters it.
func (r *Replica) Observe(fn Observer) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Replica) notify(c Change) {
	r.obsMu.Lock()
	fns := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Apply merges a remote delta and returns the ops that changed state.
// Re-applying an already applied delta returns an empty delta.
func (r *Replica) Apply(d Delta, origin any) Delta {
	r.mu.Lock()
	var eff Delta
	for _, op := range d.Ops {
		if op.Stamp.Clock > r.clock {
			r.clock = op.Stamp.Clock
		}
		if op.Order.Clock > r.clock {
			r.clock = op.Order.Clock
		}
		if r.merge(op) {
			eff.Ops = append(eff.Ops, op)
		}
	}
	r.mu.Unlock()

	if !eff.Empty() {
		r.notify(Change{Delta: eff, Origin: origin})
	}
	return eff
}

func (r *Replica) table(c Collection) map[string]*entry {
	if c == CollectionEdges {
		return r.edges
	}
	return r.nodes
}

// merge must be called with r.mu held.
func (r *Replica) merge(op Op) bool {
	m := r.table(op.Collection)
	e, ok := m[op.ID]
	if !ok {
		e = &entry{order: op.Order, stamp: op.Stamp, deleted: op.Deleted}
		if !op.Deleted {
			e.node, e.edge = op.Node, op.Edge
		}
		m[op.ID] = e
		return true
	}
	if e.deleted {
		return false
	}

	changed := false
	if op.Order.Less(e.order) {
		e.order = op.Order
		changed = true
	}
	if op.Deleted {
		e.deleted = true
		e.node, e.edge = nil, nil
		return true
	}
	if e.stamp.Less(op.Stamp) {
		e.stamp = op.Stamp
		e.node, e.edge = op.Node, op.Edge
		changed = true
	}
	return changed
}

func (r *Replica) tick() Stamp {
	r.clock++
	return Stamp{Clock: r.clock, Replica: r.id}
}

// Transact runs fn against the replica under its lock. Every write made
// through tx is applied immediately and collected into one delta, which is
// returned and announced to observers with the given origin.
func (r *Replica) Transact(origin any, fn func(tx *Txn)) Delta {
	r.mu.Lock()
	tx := &Txn{r: r}
	fn(tx)
	d := Delta{Ops: tx.ops}
	r.mu.Unlock()

	if !d.Empty() {
		r.notify(Change{Delta: d, Origin: origin})
	}
	return d
}

// State returns every entry, tombstones included, as a single delta.
func (r *Replica) State() Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Delta
	for _, c := range []Collection{CollectionNodes, CollectionEdges} {
		for _, id := range sortedIDs(r.table(c), true) {
			e := r.table(c)[id]
			op := Op{Collection: c, ID: id, Stamp: e.stamp, Order: e.order, Deleted: e.deleted}
			if !e.deleted {
				op.Node, op.Edge = e.node, e.edge
			}
			d.Ops = append(d.Ops, op)
		}
	}
	return d
}

// Nodes materializes the live nodes in collection order.
func (r *Replica) Nodes() []models.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveNodes()
}

func (r *Replica) liveNodes() []models.Node {
	ids := sortedIDs(r.nodes, false)
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneNode(*r.nodes[id].node))
	}
	return out
}

// Edges materializes the live edges whose endpoints are both live nodes.
func (r *Replica) Edges() []models.Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveEdges()
}

func (r *Replica) liveEdges() []models.Edge {
	ids := sortedIDs(r.edges, false)
	out := make([]models.Edge, 0, len(ids))
	for _, id := range ids {
		e := *r.edges[id].edge
		if !r.liveNode(e.Source) || !r.liveNode(e.Target) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Node returns the live node with the given id.
func (r *Replica) Node(id string) (models.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveNode(id) {
		return models.Node{}, false
	}
	return cloneNode(*r.nodes[id].node), true
}

// Edge returns the live edge with the given id, regardless of endpoints.
func (r *Replica) Edge(id string) (models.Edge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[id]
	if !ok || e.deleted {
		return models.Edge{}, false
	}
	return *e.edge, true
}

func (r *Replica) liveNode(id string) bool {
	e, ok := r.nodes[id]
	return ok && !e.deleted
}

func sortedIDs(m map[string]*entry, withDeleted bool) []string {
	ids := make([]string, 0, len(m))
	for id, e := range m {
		if e.deleted && !withDeleted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m[ids[i]], m[ids[j]]
		if a.order != b.order {
			return a.order.Less(b.order)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func cloneNode(n models.Node) models.Node {
	if n.Data.Seed != nil {
		seed := *n.Data.Seed
		n.Data.Seed = &seed
	}
	return n
}
