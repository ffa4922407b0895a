package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the worker count used when NewPool is given zero.
const DefaultWorkers = 10

// ErrPoolClosed is returned when submitting to a pool that was shut down.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of work run by the pool.
type Task func()

// Pool runs tasks on a fixed set of workers fed from a bounded queue. It is
// shared by every dispatch in the process.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan Task
	group  errgroup.Group
	logger *slog.Logger
}

// NewPool starts workers goroutines reading from a queue of queueSize
// pending tasks.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		tasks:  make(chan Task, queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	logger.Debug("worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *Pool) work() error {
	for t := range p.tasks {
		p.run(t)
	}
	return nil
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
	}()
	t()
}

// Submit queues t, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Shutdown stops accepting tasks and waits until queued and running tasks
// finish or ctx is done. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
