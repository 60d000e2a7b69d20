package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool health defaults.
const (
	DefaultMaxErrors = 5
	DefaultRecovery  = 5 * time.Minute
)

// ErrEmptyPool is returned when a pool is built without members.
var ErrEmptyPool = errors.New("pool has no members")

// PoolConfig defines a balanced pool over named limiters, one per provider
// project or account sharing the same endpoint class.
type PoolConfig struct {
	Members []string `yaml:"members"`
	// MaxErrors is the error count at which a member is taken out of
	// rotation.
	MaxErrors int `yaml:"max_errors"`
	// Recovery is how long an unhealthy member stays out of rotation.
	Recovery time.Duration `yaml:"recovery"`
}

// MemberStatus is the state of one pool member.
type MemberStatus struct {
	Status
	Healthy    bool `json:"healthy"`
	ErrorCount int  `json:"errorCount"`
}

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	Name    string         `json:"name"`
	Members []MemberStatus `json:"members"`
}

type memberKey struct{}

// MemberFrom returns the pool member running the work of ctx, or "" when the
// work was not scheduled through a pool.
func MemberFrom(ctx context.Context) string {
	m, _ := ctx.Value(memberKey{}).(string)
	return m
}

type poolMember struct {
	limiter *Limiter
	errors  int
	healthy bool
	revive  *time.Timer
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// Pool spreads work over several limiters. Each Enqueue goes to the next
// healthy member, in round-robin order, that still has room in its window.
// When every member is full the least loaded one queues the work.
type Pool struct {
	name      string
	maxErrors int
	recovery  time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	members []*poolMember
	next    int
	stopped bool
}

// NewPool creates a pool over members. The limiters keep their own
// lifecycle; Stop only halts the pool's recovery timers.
func NewPool(name string, cfg PoolConfig, members []*Limiter, opts ...PoolOption) (*Pool, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyPool, name)
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.Recovery <= 0 {
		cfg.Recovery = DefaultRecovery
	}

	p := &Pool{
		name:      name,
		maxErrors: cfg.MaxErrors,
		recovery:  cfg.Recovery,
		log:       slog.Default(),
	}
	for _, l := range members {
		p.members = append(p.members, &poolMember{limiter: l, healthy: true})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Enqueue schedules fn on the chosen member. fn can read the member name
// with MemberFrom.
func (p *Pool) Enqueue(ctx context.Context, fn Func) *Future {
	m := p.pick()
	if m == nil {
		fut := newFuture()
		fut.resolve(nil, ErrStopped)
		return fut
	}

	name := m.limiter.Name()
	return m.limiter.Enqueue(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(context.WithValue(ctx, memberKey{}, name))
		p.report(m, err)
		return v, err
	})
}

func hasRoom(st Status) bool {
	return st.RequestCount+st.QueueLength < st.MaxPerWindow
}

func (p *Pool) pick() *poolMember {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}

	healthy := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		p.log.Error("every pool member is unhealthy, resetting", "pool", p.name)
		for _, m := range p.members {
			p.reviveLocked(m)
		}
		return p.members[0]
	}

	for i := range healthy {
		idx := (p.next + i) % len(healthy)
		if hasRoom(healthy[idx].limiter.Status()) {
			p.next = (idx + 1) % len(healthy)
			return healthy[idx]
		}
	}

	best, bestLoad := healthy[0], -1
	for _, m := range healthy {
		st := m.limiter.Status()
		load := st.RequestCount + st.QueueLength
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = m, load
		}
	}
	return best
}

// report updates the member's health from the outcome of one call.
func (p *Pool) report(m *poolMember, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		if m.errors > 0 {
			m.errors--
		}
		return
	}

	m.errors++
	name := m.limiter.Name()
	if errors.Is(err, ErrQuotaExceeded) {
		p.log.Warn("pool member quota exhausted", "pool", p.name, "limiter", name)
		m.limiter.Exhaust()
	}
	if m.healthy && m.errors >= p.maxErrors && !p.stopped {
		m.healthy = false
		p.log.Error("pool member marked unhealthy", "pool", p.name, "limiter", name, "errors", m.errors)
		m.revive = time.AfterFunc(p.recovery, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.reviveLocked(m)
			p.log.Info("pool member recovered", "pool", p.name, "limiter", name)
		})
	}
}

func (p *Pool) reviveLocked(m *poolMember) {
	if m.revive != nil {
		m.revive.Stop()
		m.revive = nil
	}
	m.healthy = true
	m.errors = 0
}

// Status returns the state of every member.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{Name: p.name, Members: make([]MemberStatus, 0, len(p.members))}
	for _, m := range p.members {
		st.Members = append(st.Members, MemberStatus{
			Status:     m.limiter.Status(),
			Healthy:    m.healthy,
			ErrorCount: m.errors,
		})
	}
	return st
}

// Stop halts the recovery timers. Work enqueued afterwards fails with
// ErrStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	for _, m := range p.members {
		if m.revive != nil {
			m.revive.Stop()
			m.revive = nil
		}
	}
}
