// Package workerpool runs fire-and-forget tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"xray-control/internal/logger"

	"go.uber.org/atomic"
)

var ErrClosed = errors.New("worker pool is closed")

type Task func(ctx context.Context)

// Pool executes submitted tasks with at most `workers` running at once.
// Submit blocks once the queue is full, so producers slow down instead of
// piling up goroutines.
type Pool struct {
	name  string
	tasks chan Task
	ctx   context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	pending   atomic.Int64
	completed atomic.Int64
}

func New(name string, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: task panicked: %v", p.name, r)
		}
		p.pending.Dec()
		p.completed.Inc()
	}()
	task(p.ctx)
}

// Submit queues task, waiting for room until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Inc()
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.pending.Dec()
		return ctx.Err()
	}
}

// Go is Submit without a deadline; the error is logged.
func (p *Pool) Go(task Task) {
	if err := p.Submit(context.Background(), task); err != nil {
		logger.Warningf("%s: dropping task: %v", p.name, err)
	}
}

// Pending is the number of queued or running tasks.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Close stops accepting tasks and waits for queued ones to finish.
// When ctx ends first, running tasks see their context cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
