package task

import (
	"context"
	"sync"
	"time"

	"pausevm/internal/observability"
)

const DefaultSweepInterval = time.Minute

// Reaper periodically purges expired tasks from a store that has no native
// expiry. The orchestrator never sweeps on its own.
type Reaper struct {
	store    Sweeper
	interval time.Duration
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReaper(store Sweeper, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{
		store:    store,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reaper) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			_, _ = r.Sweep(context.Background())
		}
	}
}

// Sweep runs one purge pass.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.PurgeExpired(ctx, r.now())
	if err != nil {
		observability.Error("task_sweep_failed", map[string]any{"reason": err.Error()})
		return 0, err
	}
	if n > 0 {
		observability.Info("task_sweep", map[string]any{"purged": n})
	}
	return n, nil
}
