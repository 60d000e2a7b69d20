package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg PoolConfig, members ...*Limiter) *Pool {
	t.Helper()
	for _, l := range members {
		l.Start()
		t.Cleanup(l.Stop)
	}
	p, err := NewPool("vertex", cfg, members)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

// runOn executes one unit of work and returns the member that ran it.
func runOn(t *testing.T, p *Pool, fail func(member string) error) (string, error) {
	t.Helper()
	return Do(context.Background(), p, func(ctx context.Context) (string, error) {
		m := MemberFrom(ctx)
		if fail != nil {
			return m, fail(m)
		}
		return m, nil
	})
}

func TestPoolRoundRobin(t *testing.T) {
	p := newTestPool(t, PoolConfig{},
		New("a", &Config{}),
		New("b", &Config{}),
	)

	var got []string
	for i := 0; i < 4; i++ {
		m, err := runOn(t, p, nil)
		require.NoError(t, err)
		got = append(got, m)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestPoolSkipsFullMember(t *testing.T) {
	p := newTestPool(t, PoolConfig{},
		New("a", &Config{MaxPerWindow: 1, Window: time.Hour}),
		New("b", &Config{Window: time.Hour}),
	)

	var got []string
	for i := 0; i < 4; i++ {
		m, err := runOn(t, p, nil)
		require.NoError(t, err)
		got = append(got, m)
	}
	assert.Equal(t, []string{"a", "b", "b", "b"}, got)
}

func TestPoolQuotaErrorExhaustsMember(t *testing.T) {
	a := New("a", &Config{MaxPerWindow: 10, Window: time.Hour})
	p := newTestPool(t, PoolConfig{}, a, New("b", &Config{Window: time.Hour}))

	_, err := runOn(t, p, func(m string) error {
		return fmt.Errorf("status 429: %w", ErrQuotaExceeded)
	})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 10, a.Status().RequestCount)

	for i := 0; i < 3; i++ {
		m, err := runOn(t, p, nil)
		require.NoError(t, err)
		assert.Equal(t, "b", m)
	}
}

func TestPoolUnhealthyMemberRecovers(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxErrors: 2, Recovery: 100 * time.Millisecond},
		New("a", &Config{}),
		New("b", &Config{}),
	)
	boom := errors.New("boom")
	failA := func(m string) error {
		if m == "a" {
			return boom
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		runOn(t, p, failA)
	}
	st := p.Status()
	require.Len(t, st.Members, 2)
	assert.False(t, st.Members[0].Healthy)
	assert.Equal(t, 2, st.Members[0].ErrorCount)
	assert.True(t, st.Members[1].Healthy)

	for i := 0; i < 3; i++ {
		m, err := runOn(t, p, nil)
		require.NoError(t, err)
		assert.Equal(t, "b", m)
	}

	require.Eventually(t, func() bool { return p.Status().Members[0].Healthy }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Status().Members[0].ErrorCount)
}

func TestPoolResetsWhenAllUnhealthy(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxErrors: 1, Recovery: time.Hour}, New("only", &Config{}))

	_, err := runOn(t, p, func(string) error { return errors.New("down") })
	require.Error(t, err)
	assert.False(t, p.Status().Members[0].Healthy)

	m, err := runOn(t, p, nil)
	require.NoError(t, err)
	assert.Equal(t, "only", m)
	assert.True(t, p.Status().Members[0].Healthy)
}

func TestPoolStopAndEmpty(t *testing.T) {
	_, err := NewPool("empty", PoolConfig{}, nil)
	assert.ErrorIs(t, err, ErrEmptyPool)

	p := newTestPool(t, PoolConfig{}, New("a", &Config{}))
	p.Stop()
	_, err = runOn(t, p, nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSetSchedulers(t *testing.T) {
	s := NewSet()
	defer s.StopAll()

	a, b := New("a", nil), New("b", nil)
	s.Add(a)
	s.Add(b)
	p, err := NewPool("vertex", PoolConfig{}, []*Limiter{a, b})
	require.NoError(t, err)
	s.AddPool(p)

	sch, err := s.Scheduler("vertex")
	require.NoError(t, err)
	assert.Equal(t, "vertex", sch.Name())

	sch, err = s.Scheduler("a")
	require.NoError(t, err)
	assert.Same(t, a, sch)

	_, err = s.Scheduler("missing")
	assert.ErrorIs(t, err, ErrUnknownLimiter)

	assert.True(t, s.Has("vertex"))
	assert.True(t, s.Has("b"))
	assert.False(t, s.Has("c"))

	pools := s.PoolStatuses()
	require.Len(t, pools, 1)
	assert.Len(t, pools[0].Members, 2)
}
