package document

import (
	"math/rand"
	"testing"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageNode(id string, x float64) models.Node {
	return models.Node{
		ID:       id,
		Kind:     models.NodeKindImage,
		Position: models.Position{X: x},
		Data:     models.NodeData{Status: models.NodeStatusIdle},
	}
}

func TestTransactInsertsInOrder(t *testing.T) {
	r := NewReplica("a")
	r.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n2", 0))
		tx.PutNode(imageNode("n1", 10))
	})

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "n2", nodes[0].ID)
	assert.Equal(t, "n1", nodes[1].ID)
}

func TestReplaceKeepsIndex(t *testing.T) {
	r := NewReplica("a")
	r.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n1", 0))
		tx.PutNode(imageNode("n2", 0))
		tx.PutNode(imageNode("n3", 0))
	})

	r.Transact(nil, func(tx *Txn) {
		n, ok := tx.Node("n2")
		require.True(t, ok)
		n.Position.X = 99
		tx.PutNode(n)
	})

	nodes := r.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "n2", nodes[1].ID)
	assert.Equal(t, float64(99), nodes[1].Position.X)
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewReplica("a")
	d := a.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n1", 0))
	})

	b := NewReplica("b")
	eff := b.Apply(d, nil)
	assert.Len(t, eff.Ops, 1)

	eff = b.Apply(d, nil)
	assert.True(t, eff.Empty(), "re-applying a delta must not change state")
	assert.Len(t, b.Nodes(), 1)
}

func TestConvergenceUnderReorderAndDuplication(t *testing.T) {
	a := NewReplica("a")
	b := NewReplica("b")

	var deltas []Delta
	deltas = append(deltas, a.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("a1", 0))
		tx.PutNode(imageNode("a2", 0))
	}))
	deltas = append(deltas, b.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("b1", 0))
	}))
	// concurrent edits of the same node from both sides
	b.Apply(deltas[0], nil)
	deltas = append(deltas, b.Transact(nil, func(tx *Txn) {
		n, _ := tx.Node("a1")
		n.Data.Prompt = "from b"
		tx.PutNode(n)
		tx.PutEdge(models.Edge{ID: "e1", Source: "a1", Target: "b1"})
	}))
	deltas = append(deltas, a.Transact(nil, func(tx *Txn) {
		n, _ := tx.Node("a1")
		n.Data.Prompt = "from a"
		tx.PutNode(n)
		tx.DeleteNode("a2")
	}))

	rng := rand.New(rand.NewSource(7))
	var replicas []*Replica
	for i := 0; i < 5; i++ {
		var pool []Delta
		pool = append(pool, deltas...)
		pool = append(pool, deltas[rng.Intn(len(deltas))])
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

		r := NewReplica("")
		for _, d := range pool {
			r.Apply(d, nil)
		}
		replicas = append(replicas, r)
	}

	want := replicas[0]
	require.Len(t, want.Nodes(), 2)
	for _, r := range replicas[1:] {
		assert.Equal(t, want.Nodes(), r.Nodes())
		assert.Equal(t, want.Edges(), r.Edges())
	}
	n, ok := want.Node("a1")
	require.True(t, ok)
	// both edits carry the same clock; the higher replica id wins
	assert.Equal(t, "from b", n.Data.Prompt)
}

func TestDeleteNodeCascadesInOneDelta(t *testing.T) {
	r := NewReplica("a")
	r.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n1", 0))
		tx.PutNode(imageNode("n2", 0))
		tx.PutNode(imageNode("n3", 0))
		tx.PutEdge(models.Edge{ID: "e1", Source: "n1", Target: "n2"})
		tx.PutEdge(models.Edge{ID: "e2", Source: "n3", Target: "n1"})
		tx.PutEdge(models.Edge{ID: "e3", Source: "n2", Target: "n3"})
	})

	d := r.Transact(nil, func(tx *Txn) {
		require.True(t, tx.DeleteNode("n1"))
	})

	assert.Len(t, d.Ops, 3)
	for _, op := range d.Ops {
		assert.True(t, op.Deleted)
	}
	edges := r.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "e3", edges[0].ID)
}

func TestDanglingEdgeIsFiltered(t *testing.T) {
	a := NewReplica("a")
	setup := a.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n1", 0))
		tx.PutNode(imageNode("n2", 0))
	})
	b := NewReplica("b")
	b.Apply(setup, nil)

	// a deletes n2 while b concurrently connects n1 -> n2
	del := a.Transact(nil, func(tx *Txn) { tx.DeleteNode("n2") })
	edge := b.Transact(nil, func(tx *Txn) {
		tx.PutEdge(models.Edge{ID: "e1", Source: "n1", Target: "n2"})
	})
	a.Apply(edge, nil)
	b.Apply(del, nil)

	assert.Empty(t, a.Edges())
	assert.Empty(t, b.Edges())
	_, ok := a.Edge("e1")
	assert.True(t, ok, "the edge entry itself survives, only materialization drops it")
}

func TestTombstoneIsAbsorbing(t *testing.T) {
	a := NewReplica("a")
	ins := a.Transact(nil, func(tx *Txn) { tx.PutNode(imageNode("n1", 0)) })
	b := NewReplica("b")
	b.Apply(ins, nil)

	update := b.Transact(nil, func(tx *Txn) {
		n, _ := tx.Node("n1")
		n.Data.Status = models.NodeStatusSuccess
		tx.PutNode(n)
	})
	a.Transact(nil, func(tx *Txn) { tx.DeleteNode("n1") })

	eff := a.Apply(update, nil)
	assert.True(t, eff.Empty())
	_, ok := a.Node("n1")
	assert.False(t, ok)

	a.Transact(nil, func(tx *Txn) {
		assert.False(t, tx.PutNode(imageNode("n1", 0)), "deleted ids are never reused")
		assert.True(t, tx.Deleted("n1"))
	})
}

func TestStateIncludesTombstones(t *testing.T) {
	a := NewReplica("a")
	a.Transact(nil, func(tx *Txn) {
		tx.PutNode(imageNode("n1", 0))
		tx.PutNode(imageNode("n2", 0))
	})
	a.Transact(nil, func(tx *Txn) { tx.DeleteNode("n1") })

	state := a.State()
	require.Len(t, state.Ops, 2)

	b := NewReplica("b")
	b.Apply(state, nil)
	assert.Len(t, b.Nodes(), 1)
	// a late insert of n1 cannot resurrect it on b
	b.Apply(Delta{Ops: []Op{{
		Collection: CollectionNodes, ID: "n1",
		Stamp: Stamp{Clock: 100, Replica: "z"}, Order: Stamp{Clock: 100, Replica: "z"},
		Node: &models.Node{ID: "n1", Kind: models.NodeKindText},
	}}}, nil)
	assert.Len(t, b.Nodes(), 1)
}

func TestObserveReceivesOrigin(t *testing.T) {
	r := NewReplica("a")
	var got []Change
	cancel := r.Observe(func(c Change) { got = append(got, c) })

	r.Transact("local", func(tx *Txn) { tx.PutNode(imageNode("n1", 0)) })
	r.Apply(r.State(), "remote")
	require.Len(t, got, 1, "no-op applies are not announced")
	assert.Equal(t, "local", got[0].Origin)

	cancel()
	r.Transact("local", func(tx *Txn) { tx.PutNode(imageNode("n2", 0)) })
	assert.Len(t, got, 1)
}

func TestEncodeDecode(t *testing.T) {
	r := NewReplica("a")
	seed := int64(42)
	d := r.Transact(nil, func(tx *Txn) {
		n := imageNode("n1", 3)
		n.Data.Seed = &seed
		tx.PutNode(n)
		tx.PutNode(imageNode("n2", 0))
		tx.PutEdge(models.Edge{ID: "e1", Source: "n1", Target: "n2", Transient: true})
	})

	b, err := Encode(d)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)

	other := NewReplica("b")
	other.Apply(got, nil)
	assert.Equal(t, r.Nodes(), other.Nodes())
	assert.Equal(t, r.Edges(), other.Edges())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00})
	assert.ErrorIs(t, err, ErrMalformedDelta)

	bad, err := Encode(Delta{Ops: []Op{{
		Collection: CollectionNodes, ID: "n1",
		Stamp: Stamp{Clock: 1, Replica: "a"}, Order: Stamp{Clock: 1, Replica: "a"},
		Node: &models.Node{ID: "other", Kind: models.NodeKindImage},
	}}})
	require.NoError(t, err)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedDelta)

	bad, err = Encode(Delta{Ops: []Op{{
		Collection: CollectionEdges, ID: "e1",
		Stamp: Stamp{Clock: 1, Replica: "a"}, Order: Stamp{Clock: 1, Replica: "a"},
		Edge: &models.Edge{ID: "e1", Source: "n1"},
	}}})
	require.NoError(t, err)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedDelta)
}
