package document

import (
	"bytes"
	"fmt"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Collection selects one of the two ordered collections of a document.
type Collection uint8

const (
	CollectionNodes Collection = 1
	CollectionEdges Collection = 2
)

func (c Collection) String() string {
	switch c {
	case CollectionNodes:
		return "nodes"
	case CollectionEdges:
		return "edges"
	}
	return fmt.Sprintf("collection(%d)", uint8(c))
}

// Stamp is a Lamport timestamp. Stamps are totally ordered by clock, then
// by replica id.
type Stamp struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

// Less reports whether s orders before o.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Replica < o.Replica
}

// Op is a single entry mutation. Order is the stamp of the entry's first
// insertion and fixes its position in the collection; Stamp versions the
// value.
type Op struct {
	Collection Collection   `json:"k"`
	ID         string       `json:"i"`
	Stamp      Stamp        `json:"s"`
	Order      Stamp        `json:"o"`
	Deleted    bool         `json:"d,omitempty"`
	Node       *models.Node `json:"n,omitempty"`
	Edge       *models.Edge `json:"e,omitempty"`
}

// Delta is a batch of ops applied as one logical step.
type Delta struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether d carries no ops.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Encode serializes d into its binary wire form.
func Encode(d Delta) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&d); err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses and validates a binary delta.
func Decode(b []byte) (Delta, error) {
	var d Delta
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	for i, op := range d.Ops {
		if err := op.validate(); err != nil {
			return Delta{}, fmt.Errorf("%w: op %d: %v", ErrMalformedDelta, i, err)
		}
	}
	return d, nil
}

func (op Op) validate() error {
	if op.ID == "" {
		return fmt.Errorf("missing id")
	}
	if op.Stamp.Replica == "" || op.Order.Replica == "" {
		return fmt.Errorf("missing stamp")
	}
	switch op.Collection {
	case CollectionNodes:
		if op.Deleted {
			return nil
		}
		if op.Node == nil || op.Node.ID != op.ID {
			return fmt.Errorf("node payload does not match id %q", op.ID)
		}
		if !op.Node.Kind.Valid() {
			return fmt.Errorf("unknown node kind %q", op.Node.Kind)
		}
	case CollectionEdges:
		if op.Deleted {
			return nil
		}
		if op.Edge == nil || op.Edge.ID != op.ID {
			return fmt.Errorf("edge payload does not match id %q", op.ID)
		}
		if op.Edge.Source == "" || op.Edge.Target == "" {
			return fmt.Errorf("edge %q has no endpoints", op.ID)
		}
	default:
		return fmt.Errorf("unknown %s", op.Collection)
	}
	return nil
}
