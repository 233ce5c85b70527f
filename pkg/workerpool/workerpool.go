// Package workerpool provides a fixed-size worker pool with a bounded
// backlog
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
)

// ErrPoolStopped is returned by submissions after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool runs submitted functions on a fixed set of workers. The backlog
// is bounded: Submit blocks until space frees up, TrySubmit rejects
// immediately.
type Pool struct {
	queue      chan func()
	quit       chan struct{}
	workers    int
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	stopOnce   sync.Once
	inFlight   atomic.Int64
	completed  atomic.Int64
	rejected   atomic.Int64
}

// New creates a pool with the given worker count and queue capacity
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	p := &Pool{
		queue:   make(chan func(), queueSize),
		quit:    make(chan struct{}),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.queue {
		p.inFlight.Add(1)
		fn()
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}
}

// Submit enqueues work, blocking while the backlog is full. It returns
// the context error if ctx expires first.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.submitters.Add(1)
	defer p.submitters.Done()

	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.queue <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// TrySubmit enqueues work without blocking, returning ErrQueueFull when
// the backlog is at capacity
func (p *Pool) TrySubmit(fn func()) error {
	p.submitters.Add(1)
	defer p.submitters.Done()

	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.queue <- fn:
		return nil
	default:
		p.rejected.Add(1)
		return qerrors.ErrQueueFull
	}
}

// Stop rejects new submissions, drains the backlog, and waits for
// in-flight work to finish
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.submitters.Wait()
		close(p.queue)
		p.wg.Wait()
	})
}

// Stats describes the pool's current occupancy
type Stats struct {
	Workers       int
	QueueDepth    int
	QueueCapacity int
	InFlight      int
	Completed     int64
	Rejected      int64
}

// Stats returns a snapshot of pool occupancy
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.workers,
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		InFlight:      int(p.inFlight.Load()),
		Completed:     p.completed.Load(),
		Rejected:      p.rejected.Load(),
	}
}
