package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/observability"
	"golang.org/x/time/rate"
)

var (
	// ErrStopped is returned for work enqueued on, or still queued in, a
	// stopped limiter.
	ErrStopped = errors.New("rate limiter stopped")
	// ErrQuotaExceeded marks provider answers that report an exhausted
	// quota, such as HTTP 429.
	ErrQuotaExceeded = errors.New("provider quota exceeded")
)

// Scheduler runs work under a quota. Limiter and Pool implement it.
type Scheduler interface {
	Name() string
	Enqueue(ctx context.Context, fn Func) *Future
}

// Status is a point-in-time view of a limiter.
type Status struct {
	Name               string  `json:"name"`
	QueueLength        int     `json:"queueLength"`
	ActiveRequests     int     `json:"activeRequests"`
	RequestCount       int     `json:"requestCount"`
	MaxPerWindow       int     `json:"maxPerWindow"`
	MaxConcurrent      int     `json:"maxConcurrent"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// Func is a unit of work run by the limiter.
type Func func(ctx context.Context) (any, error)

// Future resolves with the outcome of an enqueued Func.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val any, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the work finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	ctx context.Context
	fn  Func
	fut *Future
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) { lim.log = l }
}

// WithMetrics publishes limiter state to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(lim *Limiter) { lim.metrics = m }
}

// Limiter runs queued work in FIFO order without exceeding MaxPerWindow
// starts per window or MaxConcurrent in flight.
type Limiter struct {
	name    string
	config  Config
	log     *slog.Logger
	metrics *observability.Metrics
	spacing *rate.Limiter

	mu          sync.Mutex
	queue       []*item
	active      int
	count       int
	windowTimer *time.Timer
	windowReset chan struct{}
	stopped     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a limiter. Call Start before enqueueing work.
func New(name string, cfg *Config, opts ...Option) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := cfg.withDefaults()

	limit := rate.Inf
	if c.SubmitDelay > 0 {
		limit = rate.Every(c.SubmitDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		name:        name,
		config:      c,
		log:         slog.Default(),
		spacing:     rate.NewLimiter(limit, 1),
		windowReset: make(chan struct{}),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Start begins the processing loop.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go l.loop()
	l.log.Info("rate limiter started", "limiter", l.name,
		"max_per_window", l.config.MaxPerWindow, "max_concurrent", l.config.MaxConcurrent)
}

// Stop halts the loop, fails queued work with ErrStopped and waits for
// in-flight work to return.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	queued := l.queue
	l.queue = nil
	if l.windowTimer != nil {
		l.windowTimer.Stop()
	}
	l.mu.Unlock()

	l.cancel()
	for _, it := range queued {
		it.fut.resolve(nil, ErrStopped)
	}
	l.wg.Wait()
	l.log.Info("rate limiter stopped", "limiter", l.name)
}

// Enqueue appends fn to the queue. The returned future resolves with fn's own
// result. If ctx is done before fn starts, fn never runs and the future fails
// with ctx's error.
func (l *Limiter) Enqueue(ctx context.Context, fn Func) *Future {
	fut := newFuture()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		fut.resolve(nil, ErrStopped)
		return fut
	}
	l.queue = append(l.queue, &item{ctx: ctx, fn: fn, fut: fut})
	l.publishLocked()
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return fut
}

// Do runs fn through l and returns its typed result.
func Do[T any](ctx context.Context, l Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	fut := l.Enqueue(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	})

	var zero T
	v, err := fut.Wait(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return t, nil
}

func (l *Limiter) loop() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		switch {
		case len(l.queue) == 0:
			l.mu.Unlock()
			select {
			case <-l.ctx.Done():
				return
			case <-l.wake:
			}
			continue

		case l.count >= l.config.MaxPerWindow:
			reset := l.windowReset
			l.mu.Unlock()
			l.log.Debug("window quota reached, waiting for reset", "limiter", l.name)
			select {
			case <-l.ctx.Done():
				return
			case <-reset:
			}
			continue

		case l.active >= l.config.MaxConcurrent:
			l.mu.Unlock()
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.config.ConcurrencyPoll):
			}
			continue
		}

		it := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if err := it.ctx.Err(); err != nil {
			l.publishLocked()
			l.mu.Unlock()
			it.fut.resolve(nil, err)
			continue
		}
		l.active++
		l.count++
		if l.windowTimer == nil {
			l.windowTimer = time.AfterFunc(l.config.Window, l.resetWindow)
		}
		l.publishLocked()
		l.mu.Unlock()

		l.metrics.LimiterStarted(l.name)
		l.wg.Add(1)
		go l.run(it)

		if err := l.spacing.Wait(l.ctx); err != nil {
			return
		}
	}
}

func (l *Limiter) run(it *item) {
	defer l.wg.Done()

	val, err := it.fn(it.ctx)

	l.mu.Lock()
	l.active--
	l.publishLocked()
	l.mu.Unlock()

	it.fut.resolve(val, err)
}

// resetWindow clears the window counter and wakes a loop waiting on quota.
func (l *Limiter) resetWindow() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowTimer != nil {
		l.windowTimer.Stop()
		l.windowTimer = nil
	}
	l.count = 0
	close(l.windowReset)
	l.windowReset = make(chan struct{})
}

// Exhaust uses up the current window, as when the provider itself reports
// an exhausted quota. Queued work waits for the next window.
func (l *Limiter) Exhaust() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.count = l.config.MaxPerWindow
	if l.windowTimer == nil {
		l.windowTimer = time.AfterFunc(l.config.Window, l.resetWindow)
	}
	l.publishLocked()
}

// publishLocked must be called with l.mu held.
func (l *Limiter) publishLocked() {
	l.metrics.LimiterState(l.name, len(l.queue), l.active)
}

// Status returns the current limiter state.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		Name:               l.name,
		QueueLength:        len(l.queue),
		ActiveRequests:     l.active,
		RequestCount:       l.count,
		MaxPerWindow:       l.config.MaxPerWindow,
		MaxConcurrent:      l.config.MaxConcurrent,
		UtilizationPercent: float64(l.count) / float64(l.config.MaxPerWindow) * 100,
	}
}
