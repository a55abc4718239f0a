package coreipc

import (
	"sync"
	"time"
)

// SyncCoordinator is shared by every Connection bound to one RunLoop. It
// collects dispatch-while-waiting messages from all of them so that
// whichever synchronous call is blocking the loop can service them, and it
// owns the loop's wakeup signal.
//
// Invariant: at most one scheduled drain task per connection is pending on
// the run loop at any time.
type SyncCoordinator struct {
	loop *RunLoop

	// wake is a binary semaphore: signals coalesce, and the single owning
	// goroutine is the only waiter.
	wake chan struct{}

	mu        sync.Mutex
	scheduled map[*Connection]struct{}
	pending   []connectionMessage
}

type connectionMessage struct {
	conn *Connection
	env  *Envelope
}

func NewSyncCoordinator(loop *RunLoop) *SyncCoordinator {
	return &SyncCoordinator{
		loop:      loop,
		wake:      make(chan struct{}, 1),
		scheduled: make(map[*Connection]struct{}),
	}
}

func (s *SyncCoordinator) RunLoop() *RunLoop {
	return s.loop
}

// processIncoming queues env for dispatch on the owning loop, either from a
// blocked synchronous call or from a scheduled drain, whichever comes first.
func (s *SyncCoordinator) processIncoming(c *Connection, env *Envelope) {
	s.mu.Lock()
	if _, ok := s.scheduled[c]; !ok {
		s.scheduled[c] = struct{}{}
		s.loop.Dispatch(func() {
			s.dispatchScheduled(c)
		})
	}
	s.pending = append(s.pending, connectionMessage{conn: c, env: env})
	s.mu.Unlock()

	s.wakeUp()
}

func (s *SyncCoordinator) dispatchScheduled(c *Connection) {
	s.mu.Lock()
	delete(s.scheduled, c)
	s.mu.Unlock()

	s.dispatchMessages(c)
}

// dispatchMessages dispatches queued messages on the owning loop. When
// allowed is non-nil, messages of other connections stay queued.
func (s *SyncCoordinator) dispatchMessages(allowed *Connection) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	msgs := s.pending
	s.pending = nil
	s.mu.Unlock()

	var putBack []connectionMessage
	for _, m := range msgs {
		if allowed != nil && m.conn != allowed {
			putBack = append(putBack, m)
			continue
		}
		m.conn.metrics.DispatchedWhileWaiting.Add(1)
		m.conn.dispatchMessage(m.env)
	}

	if len(putBack) > 0 {
		s.mu.Lock()
		// Messages that arrived during dispatch go after the ones put back.
		s.pending = append(putBack, s.pending...)
		s.mu.Unlock()
	}
}

func (s *SyncCoordinator) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wait blocks until wakeUp is called or until is reached.
func (s *SyncCoordinator) wait(until time.Time) {
	d := time.Until(until)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.wake:
	case <-timer.C:
	}
}
