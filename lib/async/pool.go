// Package async provides a bounded worker pool for fire-and-forget work such
// as event persistence. Submission applies backpressure instead of blocking:
// a saturated pool rejects the task.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/observability"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers with a bounded queue.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	// closeMu orders Submit's send against Close closing the jobs channel.
	closeMu sync.RWMutex
	closed  bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async/pool", errs.CodeInvalid, errs.WithMessage("workers must be positive"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn for execution. A closed or saturated pool rejects the
// task rather than blocking the caller.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	const op = "async/submit"
	if fn == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("task required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels the workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		p.cancel()
		close(p.jobs)
		p.closeMu.Unlock()
	})
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
		case <-p.ctx.Done():
			// Close cancelled us; account for any jobs still queued.
			for range p.jobs {
				p.wg.Done()
			}
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			ctx := j.ctx
			if ctx == nil {
				ctx = p.ctx
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						observability.Log().Error("pool task panicked", observability.F("panic", fmt.Sprint(r)))
					}
				}()
				if err := j.fn(ctx); err != nil {
					observability.Log().Warn("pool task failed", observability.F("error", err.Error()))
				}
			}()
			p.wg.Done()
		}
	}
}
