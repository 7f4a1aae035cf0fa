package worker

import (
	"context"
	"log/slog"
	"sync"

	"librarylend/internal/metrics"
)

// Task runs on a pool goroutine. The context is canceled when Shutdown gives
// up on draining the queue.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines behind a bounded queue.
type Pool struct {
	wg     sync.WaitGroup
	jobs   chan Task
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPool(n, queueSize int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if queueSize < 1 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.RepairQueueDepth.Dec()
				p.run(job)
			}
		}()
	}
	return p
}

func (p *Pool) run(job Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r)
		}
	}()
	job(p.ctx)
}

// Submit queues a task without blocking. It reports false when the queue is
// full or the pool has stopped.
func (p *Pool) Submit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- t:
		metrics.RepairQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Stop drains queued tasks and waits for the workers to exit. It blocks for as
// long as the tasks take; use Shutdown to bound it.
func (p *Pool) Stop() { _ = p.Shutdown(context.Background()) }

// Shutdown stops accepting tasks and drains the queue until ctx is done. Past
// that point the task context is canceled, tasks still queued run with it
// canceled, and Shutdown returns the cause once the workers exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
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
		p.logger.Warn("worker pool drain deadline reached, canceling tasks", "queued", len(p.jobs))
		p.cancel()
		<-done
		return context.Cause(ctx)
	}
}
