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

// Runner verifies one event. *Verifier is the production Runner.
type Runner interface {
	Verify(ctx context.Context, e *Event) ([]*Violation, error)
}

// Dispatcher runs verifications off the attendance request path. Submit
// never blocks; each task gets its own timeout and panic boundary.
type Dispatcher struct {
	runner      Runner
	logger      *slog.Logger
	queue       chan *Event
	workers     int
	taskTimeout time.Duration

	stop    chan struct{}
	once    sync.Once
	running atomic.Bool
	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(runner Runner, workers, queueSize int, taskTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	return &Dispatcher{
		runner:      runner,
		logger:      logger,
		queue:       make(chan *Event, queueSize),
		workers:     workers,
		taskTimeout: taskTimeout,
		stop:        make(chan struct{}),
	}
}

// Submit enqueues e. It returns ErrQueueFull instead of waiting.
func (d *Dispatcher) Submit(e *Event) error {
	select {
	case d.queue <- e:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.dropped.Add(1)
		metrics.DispatchDroppedTotal.Inc()
		d.logger.Warn("verification dropped, queue full",
			"session_id", e.SessionID, "student_id", e.StudentID)
		return ErrQueueFull
	}
}

// Dropped returns how many events Submit rejected.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Running reports whether the worker pool is active.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Start runs the workers until ctx is done or Stop is called, then drains
// whatever is still queued. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	// in-flight tasks outlive the shutdown signal, bounded by taskTimeout
	base := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.stop:
					return
				case e := <-d.queue:
					metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
					d.run(base, e)
				}
			}
		}()
	}
	wg.Wait()
	d.drain(base)
}

// Stop signals the workers to finish. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case e := <-d.queue:
			d.run(ctx, e)
		default:
			metrics.DispatchQueueDepth.Set(0)
			return
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in verification task",
				"panic", fmt.Sprint(r), "session_id", e.SessionID, "student_id", e.StudentID)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	if _, err := d.runner.Verify(ctx, e); err != nil {
		d.logger.Warn("verification failed",
			"session_id", e.SessionID, "student_id", e.StudentID, "error", err)
	}
}
