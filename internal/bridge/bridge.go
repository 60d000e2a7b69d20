// Package bridge connects a replicated document to a plain node/edge view.
//
// Reads are re-materialized from the replica on every change and handed to a
// Renderer. Writes are applied to the local replica at once and replicate in
// the background. Rendering is a pure function of replica state, so the echo
// of a local write is harmless.
package bridge

import (
	"errors"
	"fmt"

	"github.com/fentz26/cineflow/internal/document"
	"github.com/fentz26/cineflow/internal/models"
)

var (
	ErrInvalidNode     = errors.New("invalid node")
	ErrNodeExists      = errors.New("node already exists")
	ErrNodeDeleted     = errors.New("node id was deleted")
	ErrMissingEndpoint = errors.New("edge endpoint does not exist")
)

// Renderer consumes materialized graphs.
type Renderer interface {
	Render(nodes []models.Node, edges []models.Edge)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(nodes []models.Node, edges []models.Edge)

func (f RendererFunc) Render(nodes []models.Node, edges []models.Edge) {
	f(nodes, edges)
}

// Bridge is the read/write surface over one replica.
type Bridge struct {
	doc      *document.Replica
	renderer Renderer
	origin   any
	cancel   func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOrigin tags local writes with origin. Defaults to the bridge itself.
func WithOrigin(origin any) Option {
	return func(b *Bridge) { b.origin = origin }
}

// New attaches a bridge to doc and renders the current state once. r may be
// nil for headless use.
func New(doc *document.Replica, r Renderer, opts ...Option) *Bridge {
	b := &Bridge{doc: doc, renderer: r}
	b.origin = b
	for _, opt := range opts {
		opt(b)
	}
	if r != nil {
		b.cancel = doc.Observe(func(document.Change) { b.render() })
		b.render()
	}
	return b
}

// Close detaches the bridge from the replica.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Bridge) render() {
	b.renderer.Render(b.doc.Nodes(), b.doc.Edges())
}

// Doc returns the underlying replica.
func (b *Bridge) Doc() *document.Replica {
	return b.doc
}

// Nodes returns the live nodes in document order.
func (b *Bridge) Nodes() []models.Node {
	return b.doc.Nodes()
}

// Edges returns the edges whose endpoints both exist.
func (b *Bridge) Edges() []models.Edge {
	return b.doc.Edges()
}

// Node returns one node.
func (b *Bridge) Node(id string) (models.Node, bool) {
	return b.doc.Node(id)
}

// HasNode reports whether id is a live node.
func (b *Bridge) HasNode(id string) bool {
	_, ok := b.doc.Node(id)
	return ok
}

// AddNode appends a new node.
func (b *Bridge) AddNode(n models.Node) error {
	return b.AddGraph([]models.Node{n}, nil)
}

// AddEdge adds an edge between two existing nodes.
func (b *Bridge) AddEdge(e models.Edge) error {
	return b.AddGraph(nil, []models.Edge{e})
}

// AddGraph adds nodes and then edges in one delta. Nothing is written if any
// node or edge is rejected.
func (b *Bridge) AddGraph(nodes []models.Node, edges []models.Edge) error {
	var err error
	b.doc.Transact(b.origin, func(tx *document.Txn) {
		pending := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			if err = checkNewNode(tx, n); err != nil {
				return
			}
			if pending[n.ID] {
				err = fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
				return
			}
			pending[n.ID] = true
		}
		for _, e := range edges {
			if e.ID == "" {
				err = fmt.Errorf("%w: edge without id", ErrMissingEndpoint)
				return
			}
			for _, end := range []string{e.Source, e.Target} {
				if _, ok := tx.Node(end); !ok && !pending[end] {
					err = fmt.Errorf("%w: %s -> %s", ErrMissingEndpoint, e.Source, e.Target)
					return
				}
			}
		}
		for _, n := range nodes {
			tx.PutNode(n)
		}
		for _, e := range edges {
			tx.PutEdge(e)
		}
	})
	return err
}

func checkNewNode(tx *document.Txn, n models.Node) error {
	if n.ID == "" || !n.Kind.Valid() {
		return fmt.Errorf("%w: id %q kind %q", ErrInvalidNode, n.ID, n.Kind)
	}
	if tx.Deleted(n.ID) {
		return fmt.Errorf("%w: %s", ErrNodeDeleted, n.ID)
	}
	if _, ok := tx.Node(n.ID); ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	return nil
}

// DeleteNode removes a node and its incident edges in one delta.
func (b *Bridge) DeleteNode(id string) bool {
	var ok bool
	b.doc.Transact(b.origin, func(tx *document.Txn) {
		ok = tx.DeleteNode(id)
	})
	return ok
}

// DeleteEdge removes one edge.
func (b *Bridge) DeleteEdge(id string) bool {
	var ok bool
	b.doc.Transact(b.origin, func(tx *document.Txn) {
		ok = tx.DeleteEdge(id)
	})
	return ok
}

// MoveNode replaces the node with a copy at pos, keeping its index.
func (b *Bridge) MoveNode(id string, pos models.Position) bool {
	return b.replaceNode(id, func(n *models.Node) { n.Position = pos })
}

// UpdateNode splices patch into the node's data. It returns false when the
// node no longer exists, and never recreates it.
func (b *Bridge) UpdateNode(id string, patch models.NodePatch) bool {
	return b.replaceNode(id, func(n *models.Node) { n.Data = patch.Apply(n.Data) })
}

func (b *Bridge) replaceNode(id string, mutate func(*models.Node)) bool {
	var ok bool
	b.doc.Transact(b.origin, func(tx *document.Txn) {
		var n models.Node
		n, ok = tx.Node(id)
		if !ok {
			return
		}
		mutate(&n)
		tx.PutNode(n)
	})
	return ok
}

// SetEdgeTransient flips an edge's transient flag.
func (b *Bridge) SetEdgeTransient(id string, transient bool) bool {
	var ok bool
	b.doc.Transact(b.origin, func(tx *document.Txn) {
		var e models.Edge
		e, ok = tx.Edge(id)
		if !ok || e.Transient == transient {
			return
		}
		e.Transient = transient
		tx.PutEdge(e)
	})
	return ok
}
