package coreipc

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// pendingSyncReply is one entry of the owning loop's stack of outstanding
// synchronous calls. Guarded by Connection.syncMu.
type pendingSyncReply struct {
	syncRequestID uint64
	reply         *Envelope
	received      bool
}

// NextSyncRequestID allocates a request id. SendSync calls it for envelopes
// that carry none.
func (c *Connection) NextSyncRequestID() uint64 {
	return c.syncRequestID.Add(1)
}

func (c *Connection) prepareSyncEnvelope(env *Envelope) {
	env.Flags |= FlagSync
	if env.SyncRequestID == 0 {
		env.SyncRequestID = c.NextSyncRequestID()
	}
}

// SendSync sends env as a synchronous call and blocks until the reply
// arrives, the timeout elapses, or the connection becomes invalid. It must
// be called on the owning run loop.
//
// While blocked, incoming synchronous calls and dispatch-while-waiting
// messages for every connection on the same loop are dispatched, so two
// peers calling into each other do not deadlock. Nested calls resolve in
// LIFO order: an outer call returns only after every call it enclosed.
func (c *Connection) SendSync(env *Envelope, timeout time.Duration, flags SyncSendFlags) (*Envelope, error) {
	_ = flags
	c.metrics.SyncCallsTotal.Add(1)

	if !c.IsValid() {
		c.didFailToSendSyncMessage()
		return nil, ErrConnectionInvalid
	}

	c.prepareSyncEnvelope(env)
	id := env.SyncRequestID

	c.syncMu.Lock()
	if !c.acceptSyncReplies {
		c.syncMu.Unlock()
		c.didFailToSendSyncMessage()
		return nil, ErrSyncCallFailed
	}
	c.pendingReplies = append(c.pendingReplies, &pendingSyncReply{syncRequestID: id})
	c.syncMu.Unlock()

	c.inSendSync.Add(1)
	c.Send(env, DispatchWhileWaiting)
	c.waitForSyncReply(id, deadlineAfter(timeout))
	c.inSendSync.Add(-1)

	c.syncMu.Lock()
	n := len(c.pendingReplies)
	top := c.pendingReplies[n-1]
	if top.syncRequestID != id {
		c.syncMu.Unlock()
		panic("coreipc: pending sync reply stack out of order")
	}
	c.pendingReplies[n-1] = nil
	c.pendingReplies = c.pendingReplies[:n-1]
	c.syncMu.Unlock()

	if top.reply == nil {
		c.didFailToSendSyncMessage()
		return nil, ErrSyncCallFailed
	}
	return top.reply, nil
}

// waitForSyncReply services dispatch-while-waiting traffic until the top of
// the stack (id) has its reply, sync replies stop being accepted, the
// connection is invalid, or until passes.
func (c *Connection) waitForSyncReply(id uint64, until time.Time) {
	for {
		c.coord.dispatchMessages(nil)

		c.syncMu.Lock()
		top := c.pendingReplies[len(c.pendingReplies)-1]
		if top.syncRequestID != id {
			c.syncMu.Unlock()
			panic("coreipc: pending sync reply stack out of order")
		}
		done := top.received || !c.acceptSyncReplies
		c.syncMu.Unlock()

		if done || !c.IsValid() {
			return
		}

		now := time.Now()
		if !now.Before(until) {
			c.metrics.SyncCallsTimedOut.Add(1)
			slog.Warn("coreipc sync call timed out", "conn", c.cfg.name, "syncRequestID", id)
			return
		}

		next := now.Add(c.cfg.syncPollInterval)
		if next.After(until) {
			next = until
		}
		c.coord.wait(next)
	}
}

func (c *Connection) didFailToSendSyncMessage() {
	c.metrics.SyncCallsFailed.Add(1)

	if obs, ok := c.currentClient().(SyncFailureObserver); ok {
		obs.OnSyncMessageSendFailed(c)
	}
}

// processIncomingSyncReply resolves a reply on the background queue. Only a
// reply for the innermost owning-loop call wakes the loop; replies for outer
// calls wait on their entry until the inner calls unwind.
func (c *Connection) processIncomingSyncReply(env *Envelope) {
	id := env.Destination

	c.syncMu.Lock()
	for i := len(c.pendingReplies) - 1; i >= 0; i-- {
		p := c.pendingReplies[i]
		if p.syncRequestID != id {
			continue
		}
		if p.received {
			c.syncMu.Unlock()
			slog.Warn("coreipc duplicate sync reply", "conn", c.cfg.name, "syncRequestID", id)
			c.metrics.SyncRepliesDropped.Add(1)
			return
		}
		p.reply = env
		p.received = true
		isTop := i == len(c.pendingReplies)-1
		c.syncMu.Unlock()

		if isTop {
			c.coord.wakeUp()
		}
		return
	}
	c.syncMu.Unlock()

	if c.secondary.resolve(id, env) {
		return
	}

	// The caller gave up already.
	c.metrics.SyncRepliesDropped.Add(1)
	slog.Debug("coreipc sync reply without caller", "conn", c.cfg.name, "syncRequestID", id)
}

// SendSyncOffLoop is SendSync for goroutines other than the owning loop. It
// blocks only the caller and dispatches nothing while waiting.
func (c *Connection) SendSyncOffLoop(env *Envelope, timeout time.Duration) (*Envelope, error) {
	c.metrics.SyncCallsTotal.Add(1)

	if !c.IsValid() {
		c.metrics.SyncCallsFailed.Add(1)
		return nil, ErrConnectionInvalid
	}

	c.prepareSyncEnvelope(env)
	id := env.SyncRequestID

	p := c.secondary.add(id)
	if p == nil {
		c.metrics.SyncCallsFailed.Add(1)
		return nil, ErrSyncCallFailed
	}

	if err := c.Send(env, 0); err != nil {
		c.secondary.remove(id)
		c.metrics.SyncCallsFailed.Add(1)
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadlineAfter(timeout)))
	defer timer.Stop()

	select {
	case <-p.signal:
	case <-timer.C:
		c.metrics.SyncCallsTimedOut.Add(1)
	}

	reply := c.secondary.remove(id)
	if reply == nil {
		c.metrics.SyncCallsFailed.Add(1)
		return nil, ErrSyncCallFailed
	}
	return reply, nil
}

const secondaryShards = 16

// secondaryReply is one off-loop caller's slot. signal is a one-shot
// semaphore: closed when the reply arrives or the connection tears down.
type secondaryReply struct {
	reply    *Envelope
	signal   chan struct{}
	signaled bool
}

func (p *secondaryReply) fire() {
	if !p.signaled {
		p.signaled = true
		close(p.signal)
	}
}

type secondaryShard struct {
	mu sync.Mutex
	m  map[uint64]*secondaryReply
}

// secondaryReplies maps request ids to off-loop callers.
type secondaryReplies struct {
	shards [secondaryShards]secondaryShard
	closed atomic.Bool
}

func newSecondaryReplies() *secondaryReplies {
	s := &secondaryReplies{}
	for i := range s.shards {
		s.shards[i].m = make(map[uint64]*secondaryReply)
	}
	return s
}

func (s *secondaryReplies) shard(id uint64) *secondaryShard {
	return &s.shards[id&(secondaryShards-1)]
}

// add registers id. It returns nil once failAll has run.
func (s *secondaryReplies) add(id uint64) *secondaryReply {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	p := &secondaryReply{signal: make(chan struct{})}
	sh.m[id] = p
	return p
}

// resolve stores reply for id and signals its caller.
func (s *secondaryReplies) resolve(id uint64, reply *Envelope) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.m[id]
	if !ok || p.signaled {
		return false
	}
	p.reply = reply
	p.fire()
	return true
}

// remove unregisters id and returns its reply, if any arrived.
func (s *secondaryReplies) remove(id uint64) *Envelope {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.m[id]
	if !ok {
		return nil
	}
	delete(sh.m, id)
	return p.reply
}

// failAll signals every caller without a reply and rejects later adds.
func (s *secondaryReplies) failAll() {
	s.closed.Store(true)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, p := range sh.m {
			p.fire()
		}
		sh.mu.Unlock()
	}
}

func (s *secondaryReplies) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
