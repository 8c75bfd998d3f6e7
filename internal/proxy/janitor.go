package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attendguard/attendguard/internal/metrics"
)

// Janitor periodically prunes sightings older than the retention period.
type Janitor struct {
	store     CorrelationStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewJanitor creates a janitor. Retention must exceed the correlation window.
func NewJanitor(store CorrelationStore, retention time.Duration, logger *slog.Logger) *Janitor {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  10 * time.Minute,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the janitor loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the prune loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the janitor to stop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in sighting janitor", "panic", fmt.Sprint(r))
		}
	}()
	j.sweep(ctx)
}

func (j *Janitor) sweep(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Warn("failed to prune sightings", "error", err)
	}
}

// Sweep prunes sightings older than the retention period now and returns
// how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.store.PruneSightings(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SightingsPrunedTotal.Add(float64(n))
		j.logger.Info("pruned sightings", "count", n)
	}
	return n, nil
}
