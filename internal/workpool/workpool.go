// Package workpool implements the tail thread pool: a small pool that
// runs at most a fixed number (typically 1-3) of CPU-heavy signing and
// verification tasks at once off the main loop, each on its own
// goroutine. Tasks are grouped by feature (e.g. "tcb-sign",
// "certifier-verify") into bounded queues; the main thread submits
// tasks and later drains completions from a single MPMC channel on its
// own tick. Submit waits for a free worker slot when every one is busy.
//
// Grounded on spec.md §9's "Background work" hint (batch by feature,
// don't spawn a task per message) and §2.4/§5's worker-pool and
// suspension-point model. Bounded with golang.org/x/sync/semaphore
// rather than an unbounded goroutine-per-task model, since no example
// in the retrieval pack wires a generic worker-pool library
// (panjf2000/ants does not appear anywhere in the pack) for this kind
// of per-feature bounded task queue.
package workpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Result is a completed task's outcome, tagged with the feature queue
// it ran on and an opaque Tag the submitter chose so it can match
// completions back to pending requests without allocating per-task
// channels.
type Result struct {
	Feature string
	Tag     uint64
	Value   any
	Err     error
}

// Task is a unit of background work: compute Value or return an error.
type Task func() (any, error)

// Pool is a fixed-size worker pool with per-feature submission
// bounding and a single completion channel.
type Pool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sem      *semaphore.Weighted // bounds total in-flight tasks
	feature  map[string]*semaphore.Weighted
	featureN int64
	done     chan Result
	workers  int
}

// New creates a Pool that runs at most `workers` submitted tasks at
// once, each feature queue allowed at most featureQueueDepth
// in-flight tasks, and a completion channel buffered to
// completionBuffer entries.
func New(workers int, featureQueueDepth int64, completionBuffer int) *Pool {
	if workers <= 0 {
		panic("workpool: workers must be > 0")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(workers)),
		feature:  make(map[string]*semaphore.Weighted),
		featureN: featureQueueDepth,
		done:     make(chan Result, completionBuffer),
		workers:  workers,
	}
	return p
}

func (p *Pool) featureSem(feature string) *semaphore.Weighted {
	if s, ok := p.feature[feature]; ok {
		return s
	}
	s := semaphore.NewWeighted(p.featureN)
	p.feature[feature] = s
	return s
}

// Submit enqueues task under the named feature queue with the given
// tag. It returns ErrExhausted immediately (rather than blocking the
// main thread) if the feature queue is already at depth; otherwise it
// waits until fewer than `workers` tasks are in flight.
func (p *Pool) Submit(feature string, tag uint64, task Task) error {
	fsem := p.featureSem(feature)
	if !fsem.TryAcquire(1) {
		return fmt.Errorf("workpool: feature %q queue full: %w", feature, ubfterr.ErrExhausted)
	}
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		fsem.Release(1)
		return fmt.Errorf("workpool: shutting down: %w", err)
	}
	go func() {
		defer p.sem.Release(1)
		defer fsem.Release(1)
		val, err := task()
		select {
		case p.done <- Result{Feature: feature, Tag: tag, Value: val, Err: err}:
		case <-p.ctx.Done():
		}
	}()
	return nil
}

// Drain returns every completion currently buffered, without blocking.
// The main loop calls this once per tick.
func (p *Pool) Drain() []Result {
	var out []Result
	for {
		select {
		case r := <-p.done:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Close stops accepting new work; in-flight tasks still run to
// completion but their results are discarded once the pool's context is
// cancelled and nothing is left draining Done().
func (p *Pool) Close() {
	p.cancel()
}
