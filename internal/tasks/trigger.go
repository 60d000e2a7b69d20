package tasks

import (
	"context"
	"time"

	"github.com/fentz26/cineflow/internal/adapters"
)

// trigger wakes a task's poll loop. It ticks at a fixed interval, or on
// provider notifications when the adapter can push them. A watcher that
// closes its channel hands over to the ticker.
type trigger struct {
	C <-chan struct{}
}

func newTrigger(ctx context.Context, a adapters.Adapter, ref string, interval time.Duration) *trigger {
	out := make(chan struct{}, 1)
	fire := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	var watch <-chan struct{}
	if w, ok := a.(adapters.Watcher); ok {
		watch = w.Watch(ctx, ref)
	}

	go func() {
		var ticker *time.Ticker
		var tick <-chan time.Time
		startTicker := func() {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
		}()
		if watch == nil {
			startTicker()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				fire()
			case _, ok := <-watch:
				if !ok {
					watch = nil
					startTicker()
					fire()
					continue
				}
				fire()
			}
		}
	}()

	return &trigger{C: out}
}
