package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolStats is a snapshot of a WorkerPool.
type PoolStats struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many step tasks run at once across every run of an
// Executor. Slots are handed out in no particular order.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	// mu guards closed; wg.Add happens under the read lock so Shutdown's
	// Wait cannot miss a task that is just starting.
	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	waiting   atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once. A size
// below one means one.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make(chan struct{}, max(size, 1)),
		done:  make(chan struct{}),
	}
}

func (p *WorkerPool) Size() int { return cap(p.slots) }

// Submit runs task on its own goroutine once a slot frees up. It blocks while
// the pool is full and returns early when ctx ends or the pool shuts down.
// A panicking task is counted and swallowed; tasks that report results must
// recover themselves.
func (p *WorkerPool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.done:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}
	return p.launch(ctx, task)
}

// acquire returns the semaphore channel; a successful send claims a slot
// that must then be passed to launch. Callers that select on it alongside
// other work must count themselves in waiting.
func (p *WorkerPool) acquire() chan<- struct{} { return p.slots }

// release returns a slot claimed through acquire that will not be launched.
func (p *WorkerPool) release() { <-p.slots }

// closing is closed once Shutdown begins.
func (p *WorkerPool) closing() <-chan struct{} { return p.done }

// launch runs task on a slot the caller already holds. On a shut-down pool
// the slot is released and ErrPoolShutdown returned.
func (p *WorkerPool) launch(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.release()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.active.Add(1)
	go p.run(ctx, task)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()
	task(ctx)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work, wakes blocked submitters, and waits for running
// tasks. It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Size:      p.Size(),
		Active:    p.active.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
