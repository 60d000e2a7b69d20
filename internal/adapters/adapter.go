// Package adapters defines the generation provider contract and the registry
// that maps model identifiers to providers.
package adapters

import (
	"context"
	"errors"

	"github.com/fentz26/cineflow/internal/models"
)

var (
	// ErrUnknownRef is returned for provider references an adapter never issued.
	ErrUnknownRef = errors.New("unknown provider reference")
	// ErrProvider wraps failures reported by a provider.
	ErrProvider = errors.New("provider error")
)

// StatusReport is the provider-side state of a generation.
type StatusReport struct {
	Status   models.TaskStatus
	Progress int
	Error    string
}

// Adapter wraps one external generation provider.
type Adapter interface {
	// Name returns the provider name used in logs.
	Name() string

	// Generate submits a request and returns the provider reference.
	Generate(ctx context.Context, params models.GenerationParams) (string, error)

	// Status reports the progress of ref.
	Status(ctx context.Context, ref string) (StatusReport, error)

	// Result returns the output of a succeeded ref, or nil if none is known.
	Result(ctx context.Context, ref string) (*models.TaskResult, error)
}

// Releaser is implemented by adapters that keep state per reference.
// Release drops that state once the task of ref is terminal.
type Releaser interface {
	Release(ref string)
}

// Release drops the state a keeps for ref, if any.
func Release(a Adapter, ref string) {
	if r, ok := a.(Releaser); ok {
		r.Release(ref)
	}
}

// Watcher is implemented by adapters that can push completion notices. The
// returned channel receives a value whenever ref may have changed state and
// is closed when no more notices will follow.
type Watcher interface {
	Watch(ctx context.Context, ref string) <-chan struct{}
}
