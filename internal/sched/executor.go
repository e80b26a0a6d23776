// Package sched provides the cooperative scheduler that runs all
// message-bus handlers and component background work: a small
// bounded-concurrency executor plus per-component serial queues so one
// slow component cannot head-of-line block the others.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of work executed by the pool. Tasks must not block for
// long stretches; long work belongs on a dedicated Queue.
type Task func(ctx context.Context)

// Executor is a fixed-size worker pool over a shared submission queue.
type Executor struct {
	tasks   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewExecutor starts workers goroutines (minimum 1) over a shared queue.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		tasks:  make(chan Task, 1024),
		ctx:    ctx,
		cancel: cancel,
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			e.run(task)
		case <-e.ctx.Done():
			// Drain whatever was already queued before exiting.
			for {
				select {
				case task, ok := <-e.tasks:
					if !ok {
						return
					}
					e.run(task)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Executor] Task panicked", "panic", r)
		}
	}()
	task(e.ctx)
}

// Submit enqueues a task. Returns false when the executor is stopped or
// the queue is saturated; the caller decides whether that is fatal.
func (e *Executor) Submit(task Task) bool {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		slog.Warn("[Executor] Submission queue saturated, rejecting task")
		return false
	}
}

// Stop drains outstanding tasks for at most grace, then force-cancels.
func (e *Executor) Stop(grace time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.cancel()
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("[Executor] Drain deadline exceeded, force-terminating")
	}
}

// =============================================================================
// SERIAL QUEUES
// =============================================================================

// Queue serializes tasks for one component on top of the shared
// executor: tasks submitted to the same queue run in order, one at a
// time, while different queues still share the pool.
type Queue struct {
	exec    *Executor
	mu      sync.Mutex
	pending []Task
	running bool
	name    string
}

// NewQueue creates a serial queue named for diagnostics.
func NewQueue(exec *Executor, name string) *Queue {
	return &Queue{exec: exec, name: name}
}

// Submit appends a task to the queue, scheduling a drain if idle.
func (q *Queue) Submit(task Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	q.schedule()
}

func (q *Queue) schedule() {
	ok := q.exec.Submit(func(ctx context.Context) {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running = false
				q.mu.Unlock()
				return
			}
			task := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			task(ctx)

			if ctx.Err() != nil {
				q.mu.Lock()
				q.running = false
				q.pending = nil
				q.mu.Unlock()
				return
			}
		}
	})
	if !ok {
		q.mu.Lock()
		q.running = false
		q.pending = nil
		q.mu.Unlock()
		slog.Warn("[Executor] Serial queue dropped pending tasks", "queue", q.name)
	}
}
