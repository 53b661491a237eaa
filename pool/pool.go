// Package pool implements a bounded worker pool that processes a slice of
// row-items concurrently and returns results in input order, throttled by an
// AIMD-controlled dispatch delay shared across all workers. It is wrapped
// around any per-row external call that wants plugin-internal concurrency,
// independent of the orchestrator's row-level concurrency.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CapacityError is returned by a worker's process function to signal rate
// limiting. It drives AIMD backoff and re-queue of the failing item rather
// than terminating it.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	if e.Reason == "" {
		return "pool: capacity error"
	}
	return fmt.Sprintf("pool: capacity error: %s", e.Reason)
}

// Config is the validated set of pool parameters (spec.md §4.4's PoolConfig
// table).
type Config struct {
	PoolSize                 int
	MinDispatchDelay         time.Duration
	MaxDispatchDelay         time.Duration
	BackoffMultiplier        float64
	RecoveryStep             time.Duration
	MaxCapacityRetryDuration time.Duration
}

// DefaultConfig matches spec.md §4.4's defaults: pool_size=1 (sequential),
// no floor delay, a 5s ceiling, doubling backoff, a 50ms recovery step, and a
// one-hour per-item capacity-retry budget.
func DefaultConfig() Config {
	return Config{
		PoolSize:                 1,
		MinDispatchDelay:         0,
		MaxDispatchDelay:         5 * time.Second,
		BackoffMultiplier:        2.0,
		RecoveryStep:             50 * time.Millisecond,
		MaxCapacityRetryDuration: time.Hour,
	}
}

// Validate enforces the PoolConfig invariants; an invalid config is a
// configuration error, not a runtime one, so it fails before any dispatch.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return errors.New("pool: pool_size must be >= 1")
	}
	if c.MinDispatchDelay < 0 {
		return errors.New("pool: min_dispatch_delay_ms must be >= 0")
	}
	if c.MaxDispatchDelay < c.MinDispatchDelay {
		return errors.New("pool: max_dispatch_delay_ms must be >= min_dispatch_delay_ms")
	}
	if c.BackoffMultiplier <= 1 {
		return errors.New("pool: backoff_multiplier must be > 1")
	}
	if c.RecoveryStep < 0 {
		return errors.New("pool: recovery_step_ms must be >= 0")
	}
	if c.MaxCapacityRetryDuration < 0 {
		return errors.New("pool: max_capacity_retry_seconds must be >= 0")
	}
	return nil
}

// Item is one unit of work submitted to the pool, carrying its input index so
// the reorder buffer can place the eventual result back at the right slot.
type Item[T any] struct {
	Index int
	Value T
}

// ProcessFunc computes a result for one item. Returning a *CapacityError
// drives AIMD backoff and re-queue rather than a terminal failure.
type ProcessFunc[T, R any] func(ctx context.Context, item T) (R, error)

// Result is one item's outcome at its original input index. Err is non-nil
// for a non-capacity process failure, for capacity-retry-budget exhaustion,
// or for an item left unprocessed by ctx cancellation; Value is the zero
// value in that case.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// throttle holds the AIMD-controlled shared dispatch delay, guarded by a
// mutex the way coordinator/coordinator.go guards its connection state.
type throttle struct {
	mu    sync.Mutex
	delay time.Duration
	cfg   Config
}

func newThrottle(cfg Config) *throttle {
	return &throttle{delay: cfg.MinDispatchDelay, cfg: cfg}
}

func (t *throttle) wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.delay
	t.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (t *throttle) onCapacity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := time.Duration(float64(t.delay) * t.cfg.BackoffMultiplier)
	if d > t.cfg.MaxDispatchDelay {
		d = t.cfg.MaxDispatchDelay
	}
	t.delay = d
}

func (t *throttle) onSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.delay - t.cfg.RecoveryStep
	if d < t.cfg.MinDispatchDelay {
		d = t.cfg.MinDispatchDelay
	}
	t.delay = d
}

// retryBudget tracks accumulated capacity-retry time per item, so an item
// stuck behind a persistently rate-limited dependency fails terminally
// instead of retrying forever.
type retryBudget struct {
	mu      sync.Mutex
	spent   map[int]time.Duration
	started map[int]time.Time
}

func newRetryBudget() *retryBudget {
	return &retryBudget{spent: make(map[int]time.Duration), started: make(map[int]time.Time)}
}

func (b *retryBudget) begin(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started[index] = time.Now()
}

func (b *retryBudget) recordCapacityAttempt(index int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start, ok := b.started[index]; ok {
		b.spent[index] += time.Since(start)
	}
	b.started[index] = time.Now()
	return b.spent[index]
}

// Run dispatches items across cfg.PoolSize workers (errgroup-bounded fan-out),
// throttled by a shared AIMD delay, and returns one Result per item in input
// order. Run returns early on ctx cancellation, with completed-so-far results
// for untouched indices reported as context.Canceled errors; in-flight
// workers finish their current item before Run returns.
func Run[T, R any](ctx context.Context, cfg Config, items []T, f ProcessFunc[T, R]) ([]Result[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	queue := make(chan Item[T], len(items))
	for i, v := range items {
		queue <- Item[T]{Index: i, Value: v}
	}
	close(queue)

	results := make([]Result[R], len(items))
	// Every slot starts out cancelled; a worker that takes the item overwrites it.
	for i := range results {
		results[i] = Result[R]{Index: i, Err: context.Canceled}
	}
	thr := newThrottle(cfg)
	budget := newRetryBudget()

	g, gctx := errgroup.WithContext(ctx)
	// A cancelled worker context must not abort siblings still processing
	// their current item; errgroup's ctx is used only to stop new dispatch.
	for w := 0; w < cfg.PoolSize; w++ {
		g.Go(func() error {
			return workerLoop(ctx, gctx, cfg, queue, thr, budget, results, f)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return results, err
	}
	return results, nil
}

// workerLoop drains the shared queue until it is closed, re-queueing items
// that hit CapacityError onto a worker-local pending list (checked ahead of
// the shared queue on every iteration) rather than the closed input channel.
func workerLoop[T, R any](ctx, gctx context.Context, cfg Config, queue <-chan Item[T], thr *throttle, budget *retryBudget, results []Result[R], f ProcessFunc[T, R]) error {
	pending := make([]Item[T], 0, 4)
	for {
		var item Item[T]
		if len(pending) > 0 {
			item, pending = pending[0], pending[1:]
		} else {
			var ok bool
			select {
			case <-gctx.Done():
				return nil
			case item, ok = <-queue:
			}
			if !ok {
				return nil
			}
		}

		if err := thr.wait(ctx); err != nil {
			results[item.Index] = Result[R]{Index: item.Index, Err: err}
			continue
		}

		budget.begin(item.Index)
		val, err := f(ctx, item.Value)

		var capErr *CapacityError
		if errors.As(err, &capErr) {
			thr.onCapacity()
			spent := budget.recordCapacityAttempt(item.Index)
			if spent > cfg.MaxCapacityRetryDuration {
				results[item.Index] = Result[R]{Index: item.Index, Err: fmt.Errorf("pool: item %d exceeded capacity retry budget: %w", item.Index, err)}
				continue
			}
			pending = append(pending, item)
			continue
		}

		if err != nil {
			results[item.Index] = Result[R]{Index: item.Index, Err: err}
			continue
		}

		thr.onSuccess()
		results[item.Index] = Result[R]{Index: item.Index, Value: val}
	}
}
