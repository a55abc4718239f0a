package coreipc

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// WorkQueue runs tasks one at a time, in submission order, on a dedicated
// goroutine. Every Connection owns one as its background worker, and
// off-loop receivers are bound to one.
//
// Dispatch never blocks: the task list is unbounded. A panicking task is
// logged and the queue keeps running.
type WorkQueue struct {
	name string

	mu       sync.Mutex
	tasks    *Deque[func()]
	stopping bool

	wake    chan struct{}
	stopped chan struct{}
}

func NewWorkQueue(name string) *WorkQueue {
	q := &WorkQueue{
		name:    name,
		tasks:   NewDeque[func()](0),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *WorkQueue) Name() string {
	return q.name
}

// Dispatch appends fn to the queue. It returns false once Stop was called.
func (q *WorkQueue) Dispatch(fn func()) bool {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return false
	}
	q.tasks.PushBack(fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop rejects new tasks. Tasks already queued still run, then the
// goroutine exits. Safe to call from a task running on q.
func (q *WorkQueue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the queue's goroutine has exited. Must not be called
// from a task running on q.
func (q *WorkQueue) Wait() {
	<-q.stopped
}

func (q *WorkQueue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		fn, ok := q.tasks.PopFront()
		stopping := q.stopping
		q.mu.Unlock()

		if ok {
			q.execute(fn)
			continue
		}
		if stopping {
			return
		}
		<-q.wake
	}
}

func (q *WorkQueue) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			slog.Error("work queue task panicked", "queue", q.name, "error", err, "stack", string(debug.Stack()))
		}
	}()

	fn()
}
