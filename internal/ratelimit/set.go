package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultName is the limiter used by providers that do not name one.
const DefaultName = "default"

// ErrUnknownLimiter is returned by Get for names that are not configured.
var ErrUnknownLimiter = errors.New("limiter not configured")

// Set holds one limiter per endpoint class and the pools balancing over
// them.
type Set struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	pools    map[string]*Pool
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{
		limiters: make(map[string]*Limiter),
		pools:    make(map[string]*Pool),
	}
}

// Add registers and starts l. A limiter with the same name is replaced and
// stopped.
func (s *Set) Add(l *Limiter) {
	s.mu.Lock()
	old := s.limiters[l.Name()]
	s.limiters[l.Name()] = l
	s.mu.Unlock()

	l.Start()
	if old != nil {
		old.Stop()
	}
}

// Get returns the named limiter, falling back to DefaultName.
func (s *Set) Get(name string) (*Limiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.limiters[name]; ok {
		return l, nil
	}
	if l, ok := s.limiters[DefaultName]; ok && name == "" {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLimiter, name)
}

// Has reports whether a limiter or pool is registered under name.
func (s *Set) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, l := s.limiters[name]
	_, p := s.pools[name]
	return l || p
}

// AddPool registers p. A pool with the same name is replaced and stopped.
func (s *Set) AddPool(p *Pool) {
	s.mu.Lock()
	old := s.pools[p.Name()]
	s.pools[p.Name()] = p
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// Scheduler returns the pool or limiter registered under name. Pools win
// over limiters of the same name.
func (s *Set) Scheduler(name string) (Scheduler, error) {
	s.mu.RLock()
	p, ok := s.pools[name]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	return s.Get(name)
}

// PoolStatuses returns the status of every pool, sorted by name.
func (s *Set) PoolStatuses() []PoolStatus {
	s.mu.RLock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Status())
	}
	return out
}

// Names returns the registered limiter names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.limiters))
	for n := range s.limiters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Statuses returns the status of every limiter, sorted by name.
func (s *Set) Statuses() []Status {
	var out []Status
	for _, n := range s.Names() {
		if l, err := s.Get(n); err == nil {
			out = append(out, l.Status())
		}
	}
	return out
}

// StopAll stops every pool and limiter.
func (s *Set) StopAll() {
	s.mu.Lock()
	all := s.limiters
	pools := s.pools
	s.limiters = make(map[string]*Limiter)
	s.pools = make(map[string]*Pool)
	s.mu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
	for _, l := range all {
		l.Stop()
	}
}
