package adapters

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/cineflow/internal/models"
)

// ErrModelDisabled is returned for models that are configured but switched
// off.
var ErrModelDisabled = errors.New("model is disabled")

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	Name    string          `json:"name"`
	Kind    models.NodeKind `json:"kind"`
	Adapter string          `json:"adapter"`
	Enabled bool            `json:"enabled"`
}

// ModelOption adjusts a registered model.
type ModelOption func(*ModelInfo)

// AsKind sets the kind of node a model produces.
func AsKind(k models.NodeKind) ModelOption {
	return func(m *ModelInfo) {
		if k != "" {
			m.Kind = k
		}
	}
}

// Disabled keeps a model in the catalog but refuses generations with it.
func Disabled() ModelOption {
	return func(m *ModelInfo) { m.Enabled = false }
}

type entry struct {
	adapter Adapter
	info    ModelInfo
}

// Registry maps model identifiers to adapters. Unknown models resolve to the
// stub so generation always has a provider.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	fallback Adapter
	log      *slog.Logger
}

// NewRegistry creates a registry that falls back to fallback. A nil fallback
// gets a Stub with the default duration.
func NewRegistry(fallback Adapter, log *slog.Logger) *Registry {
	if fallback == nil {
		fallback = NewStub(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]entry),
		fallback: fallback,
		log:      log,
	}
}

// Register binds model to a. Without AsKind the kind is guessed from the
// model name.
func (r *Registry) Register(model string, a Adapter, opts ...ModelOption) {
	info := ModelInfo{Name: model, Kind: guessKind(model), Adapter: a.Name(), Enabled: true}
	for _, opt := range opts {
		opt(&info)
	}

	r.mu.Lock()
	r.entries[model] = entry{adapter: a, info: info}
	r.mu.Unlock()
}

// Resolve returns the adapter for model.
func (r *Registry) Resolve(model string) Adapter {
	r.mu.RLock()
	e, ok := r.entries[model]
	r.mu.RUnlock()
	if ok {
		return e.adapter
	}
	r.log.Warn("unknown model, falling back to stub", "model", model, "adapter", r.fallback.Name())
	return r.fallback
}

// Check returns ErrModelDisabled for disabled models. Unknown models pass,
// since they fall back to the stub.
func (r *Registry) Check(model string) error {
	r.mu.RLock()
	e, ok := r.entries[model]
	r.mu.RUnlock()
	if ok && !e.info.Enabled {
		return fmt.Errorf("%w: %s", ErrModelDisabled, model)
	}
	return nil
}

// Kind returns the kind of node model produces.
func (r *Registry) Kind(model string) models.NodeKind {
	r.mu.RLock()
	e, ok := r.entries[model]
	r.mu.RUnlock()
	if ok {
		return e.info.Kind
	}
	return guessKind(model)
}

// Models returns the registered model identifiers, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Catalog describes every registered model, ordered by kind then name.
func (r *Registry) Catalog() []ModelInfo {
	r.mu.RLock()
	out := make([]ModelInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Fallback returns the name of the adapter used for unknown models.
func (r *Registry) Fallback() string {
	return r.fallback.Name()
}

func guessKind(model string) models.NodeKind {
	m := strings.ToLower(model)
	if strings.Contains(m, "video") || strings.HasPrefix(m, "veo") || strings.HasPrefix(m, "runway") || strings.HasPrefix(m, "kling") {
		return models.NodeKindVideo
	}
	return models.NodeKindImage
}
