package coreipc

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RunLoop is an owning event loop. The goroutine that calls Run becomes the
// loop's owning goroutine: client handlers, dispatch bookkeeping and
// Connection.SendSync all run there.
//
// While the owning goroutine is blocked in SendSync, tasks posted with
// Dispatch wait; only dispatch-while-waiting traffic collected by the
// loop's SyncCoordinator is serviced.
type RunLoop struct {
	mu       sync.Mutex
	tasks    *Deque[func()]
	stopping bool

	wake    chan struct{}
	stopped chan struct{}
}

func NewRunLoop() *RunLoop {
	return &RunLoop{
		tasks:   NewDeque[func()](0),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Run processes tasks on the calling goroutine until Stop is called and the
// task list is empty.
func (l *RunLoop) Run() {
	defer close(l.stopped)

	for {
		l.mu.Lock()
		fn, ok := l.tasks.PopFront()
		stopping := l.stopping
		l.mu.Unlock()

		if ok {
			l.execute(fn)
			continue
		}
		if stopping {
			return
		}
		<-l.wake
	}
}

// Start runs the loop on a new goroutine.
func (l *RunLoop) Start() {
	go l.Run()
}

// Dispatch schedules fn on the owning goroutine. Returns false after Stop.
func (l *RunLoop) Dispatch(fn func()) bool {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.tasks.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Invoke runs fn on the owning goroutine and waits for it to return.
// Calling Invoke from the owning goroutine deadlocks.
func (l *RunLoop) Invoke(fn func()) bool {
	done := make(chan struct{})
	if !l.Dispatch(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Stop lets queued tasks finish and then ends Run.
func (l *RunLoop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *RunLoop) Done() <-chan struct{} {
	return l.stopped
}

func (l *RunLoop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			slog.Error("run loop task panicked", "error", err, "stack", string(debug.Stack()))
		}
	}()

	fn()
}
