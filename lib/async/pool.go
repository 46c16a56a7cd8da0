// Package async provides a bounded worker pool with backpressure.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("async: pool closed")
	// ErrPoolSaturated is returned by Submit when the queue is full.
	ErrPoolSaturated = errors.New("async: pool at capacity")
)

// Task is a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers behind a bounded queue.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

// NewPool creates a pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errors.New("async: workers must be >0")
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

// Submit schedules fn without waiting for it to run. It fails fast when the
// queue is full instead of blocking the caller.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, nil)
}

// Do schedules fn and waits for it to finish, returning the task's error.
func (p *Pool) Do(ctx context.Context, fn Task) error {
	done := make(chan error, 1)
	if err := p.submit(ctx, fn, done); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (p *Pool) submit(ctx context.Context, fn Task, done chan error) error {
	if fn == nil {
		return errors.New("async: task must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("async: submit: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn, done: done}:
		return nil
	default:
		p.wg.Done()
		return ErrPoolSaturated
	}
}

// Close stops accepting new tasks and cancels idle workers. The jobs channel
// is never closed so a racing Submit cannot panic; cancellation alone stops
// the workers.
func (p *Pool) Close() {
	p.once.Do(p.cancel)
}

// Shutdown waits for in-flight tasks to complete or until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("async: shutdown: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case j := <-p.jobs:
			p.run(j)
		}
	}
}

// drain fails queued jobs after Close so Do callers are not left waiting.
func (p *Pool) drain() {
	for {
		select {
		case j := <-p.jobs:
			if j.done != nil {
				j.done <- ErrPoolClosed
			}
			p.wg.Done()
		default:
			return
		}
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("async: task panic: %v", r)
			}
		}()
		err = j.fn(j.ctx)
	}()
	if j.done != nil {
		j.done <- err
	}
}
