package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/google/uuid"
)

// DefaultStubDuration is how long a stub generation takes.
const DefaultStubDuration = 3 * time.Second

// Stub simulates a provider that always succeeds after a fixed duration.
// Its results are derived from the reference, so they are deterministic.
type Stub struct {
	duration time.Duration
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]time.Time
}

// NewStub creates a stub. A non-positive duration uses DefaultStubDuration.
func NewStub(d time.Duration) *Stub {
	if d <= 0 {
		d = DefaultStubDuration
	}
	return &Stub{duration: d, now: time.Now, tasks: make(map[string]time.Time)}
}

func (s *Stub) Name() string {
	return "stub"
}

// Generate records the start time of a new simulated task.
func (s *Stub) Generate(ctx context.Context, params models.GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := "stub_" + uuid.New().String()
	s.mu.Lock()
	s.tasks[ref] = s.now()
	s.mu.Unlock()
	return ref, nil
}

// Status derives progress from the elapsed time.
func (s *Stub) Status(ctx context.Context, ref string) (StatusReport, error) {
	s.mu.Lock()
	started, ok := s.tasks[ref]
	s.mu.Unlock()
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}

	elapsed := s.now().Sub(started)
	progress := int(elapsed * 100 / s.duration)
	if progress >= 100 {
		return StatusReport{Status: models.TaskStatusSucceeded, Progress: 100}, nil
	}
	return StatusReport{Status: models.TaskStatusProcessing, Progress: progress}, nil
}

// Result returns a placeholder image once the task has finished.
func (s *Stub) Result(ctx context.Context, ref string) (*models.TaskResult, error) {
	st, err := s.Status(ctx, ref)
	if err != nil {
		return nil, err
	}
	if st.Status != models.TaskStatusSucceeded {
		return nil, nil
	}

	h := fnv.New64a()
	h.Write([]byte(ref))
	sum := h.Sum64()
	seed := int64(sum % 1_000_000_000)
	return &models.TaskResult{
		URL:  fmt.Sprintf("https://picsum.photos/seed/%x/512/768", sum),
		Seed: &seed,
	}, nil
}

// Release forgets ref.
func (s *Stub) Release(ref string) {
	s.mu.Lock()
	delete(s.tasks, ref)
	s.mu.Unlock()
}
