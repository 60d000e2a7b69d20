package document

import "github.com/fentz26/cineflow/internal/models"

// Txn collects local writes made inside Replica.Transact. Reads observe the
// writes already made in the same transaction.
type Txn struct {
	r   *Replica
	ops []Op
}

func (tx *Txn) put(c Collection, id string, n *models.Node, e *models.Edge) bool {
	m := tx.r.table(c)
	existing, ok := m[id]
	if ok && existing.deleted {
		return false
	}
	stamp := tx.r.tick()
	order := stamp
	if ok {
		order = existing.order
	}
	op := Op{Collection: c, ID: id, Stamp: stamp, Order: order, Node: n, Edge: e}
	tx.r.merge(op)
	tx.ops = append(tx.ops, op)
	return true
}

func (tx *Txn) remove(c Collection, id string) bool {
	existing, ok := tx.r.table(c)[id]
	if !ok || existing.deleted {
		return false
	}
	op := Op{Collection: c, ID: id, Stamp: tx.r.tick(), Order: existing.order, Deleted: true}
	tx.r.merge(op)
	tx.ops = append(tx.ops, op)
	return true
}

// PutNode inserts n at the end of the node collection, or replaces the
// existing node with the same id in place. It returns false when the id
// belongs to a deleted node.
func (tx *Txn) PutNode(n models.Node) bool {
	n = cloneNode(n)
	return tx.put(CollectionNodes, n.ID, &n, nil)
}

// PutEdge inserts or replaces an edge.
func (tx *Txn) PutEdge(e models.Edge) bool {
	return tx.put(CollectionEdges, e.ID, nil, &e)
}

// DeleteNode removes the node and every edge incident to it.
func (tx *Txn) DeleteNode(id string) bool {
	if !tx.r.liveNode(id) {
		return false
	}
	for eid, e := range tx.r.edges {
		if e.deleted {
			continue
		}
		if e.edge.Source == id || e.edge.Target == id {
			tx.remove(CollectionEdges, eid)
		}
	}
	return tx.remove(CollectionNodes, id)
}

// DeleteEdge removes an edge.
func (tx *Txn) DeleteEdge(id string) bool {
	return tx.remove(CollectionEdges, id)
}

// Node returns the live node with the given id.
func (tx *Txn) Node(id string) (models.Node, bool) {
	if !tx.r.liveNode(id) {
		return models.Node{}, false
	}
	return cloneNode(*tx.r.nodes[id].node), true
}

// Edge returns the live edge with the given id.
func (tx *Txn) Edge(id string) (models.Edge, bool) {
	e, ok := tx.r.edges[id]
	if !ok || e.deleted {
		return models.Edge{}, false
	}
	return *e.edge, true
}

// Deleted reports whether a node id has been tombstoned.
func (tx *Txn) Deleted(id string) bool {
	e, ok := tx.r.nodes[id]
	return ok && e.deleted
}

// Nodes returns the live nodes in collection order.
func (tx *Txn) Nodes() []models.Node {
	return tx.r.liveNodes()
}
