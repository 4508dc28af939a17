// Package async provides a bounded worker pool for fan-out work such as
// post-reconnect order re-synchronization.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/openordinal/execsync/errs"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool runs tasks on a fixed number of workers with a bounded queue.
// Submission blocks when the queue is full, providing backpressure.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async.pool", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage("workers must be positive"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn, blocking while the queue is full. It fails once the
// pool is closed or the caller's context ends.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("async.pool", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.ctx.Err() != nil {
		return errs.New("async.pool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("async.pool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	}
}

// Close stops accepting new tasks and signals workers to drain.
func (p *Pool) Close() {
	p.once.Do(p.cancel)
}

// Shutdown closes the pool and waits for in-flight tasks until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		case <-p.ctx.Done():
			// Drain jobs already accepted before the pool closed.
			for {
				select {
				case j := <-p.jobs:
					p.run(j)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(j job) {
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	p.runTask(ctx, j.fn)
	p.wg.Done()
}

// runTask isolates panics so a misbehaving task cannot kill its worker.
func (p *Pool) runTask(ctx context.Context, fn Task) {
	defer func() {
		_ = recover()
	}()
	_ = fn(ctx)
}
