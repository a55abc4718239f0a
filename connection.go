package coreipc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/google/uuid"
)

var (
	ErrAlreadyOpen       = fmt.Errorf("coreipc: already open")
	ErrConnectionInvalid = fmt.Errorf("coreipc: connection invalid")
	ErrSyncCallFailed    = fmt.Errorf("coreipc: synchronous call failed")
)

// Client receives a connection's traffic on the owning run loop.
type Client interface {
	OnMessage(c *Connection, env *Envelope)
	// OnSyncMessage handles a synchronous call. The reply is sent when the
	// handler returns unless it calls reply.Defer.
	OnSyncMessage(c *Connection, env *Envelope, reply *Reply)
	// OnInvalidMessage reports a message that failed to decode or that a
	// handler marked invalid. Names are empty when the header itself could
	// not be read.
	OnInvalidMessage(c *Connection, receiver, message string)
	// OnClosed is called once, after the peer closed the channel. It is not
	// called after Invalidate.
	OnClosed(c *Connection)
}

// SyncFailureObserver is an optional Client extension notified on the
// owning loop whenever SendSync fails.
type SyncFailureObserver interface {
	OnSyncMessageSendFailed(c *Connection)
}

// WorkQueueReceiver handles messages for one receiver name off the owning
// loop, on the WorkQueue it was registered with.
type WorkQueueReceiver interface {
	OnMessage(c *Connection, env *Envelope)
	OnSyncMessage(c *Connection, env *Envelope, reply *Reply)
}

type clientRef struct {
	Client
}

type workQueueReceiverEntry struct {
	queue    *WorkQueue
	receiver WorkQueueReceiver
}

type messageWaiter struct {
	ch chan *Envelope
}

// Connection is one endpoint of a bidirectional message channel.
//
// Threads of control:
//   - the owning run loop: client callbacks, SendSync, WaitForMessage
//     dispatch, and all dispatch bookkeeping;
//   - the background work queue: encoding, adapter writes, decoding and
//     routing of incoming frames, and teardown;
//   - any goroutine: Send, SendSyncOffLoop, WaitForMessage, Invalidate.
//
// A connection is valid from creation until Invalidate or a peer close.
// Once invalid it never becomes valid again.
type Connection struct {
	id  string
	cfg connConfig

	coord   *SyncCoordinator
	loop    *RunLoop
	queue   *WorkQueue
	adapter Adapter
	metrics *Metrics

	// client is nil once the connection is invalid.
	client atomic.Pointer[clientRef]
	opened atomic.Bool

	// isConnected, pendingFrame: background queue only.
	isConnected  bool
	pendingFrame []byte

	outMu    sync.Mutex
	outgoing *Deque[*Envelope]

	// waitMu is taken before inMu when both are needed.
	waitMu  sync.Mutex
	waiters map[messageKey]*messageWaiter

	inMu     sync.Mutex
	incoming *Deque[*Envelope]

	receiversMu sync.RWMutex
	receivers   map[string]workQueueReceiverEntry

	syncMu            sync.Mutex
	pendingReplies    []*pendingSyncReply
	acceptSyncReplies bool

	secondary *secondaryReplies

	syncRequestID atomix.Uint64

	// Owning loop bookkeeping. Atomic because Send and the admin endpoint
	// read them from other goroutines.
	inSendSync             atomic.Int32
	inDispatch             atomic.Int32
	inDispatchWhileWaiting atomic.Int32

	// didReceiveInvalidMessage: owning loop only.
	didReceiveInvalidMessage bool

	teardownOnce sync.Once
	closed       chan struct{}
}

// NewConnection binds a connection to coord's run loop. The adapter is not
// opened until Open.
func NewConnection(coord *SyncCoordinator, adapter Adapter, client Client, opts ...Option) *Connection {
	if coord == nil {
		panic("coreipc: NewConnection requires a SyncCoordinator")
	}

	cfg := defaultConnConfig()
	for _, o := range opts {
		o(&cfg)
	}

	id := uuid.NewString()
	if cfg.name == "" {
		cfg.name = id
	}

	c := &Connection{
		id:                id,
		cfg:               cfg,
		coord:             coord,
		loop:              coord.RunLoop(),
		queue:             NewWorkQueue("coreipc:" + cfg.name),
		adapter:           adapter,
		metrics:           newMetrics(),
		outgoing:          NewDeque[*Envelope](0),
		waiters:           make(map[messageKey]*messageWaiter),
		incoming:          NewDeque[*Envelope](0),
		receivers:         make(map[string]workQueueReceiverEntry),
		acceptSyncReplies: true,
		secondary:         newSecondaryReplies(),
		closed:            make(chan struct{}),
	}
	c.client.Store(&clientRef{Client: client})
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Name() string {
	return c.cfg.name
}

func (c *Connection) Metrics() *Metrics {
	return c.metrics
}

func (c *Connection) RunLoop() *RunLoop {
	return c.loop
}

// IsValid reports whether the connection still accepts traffic.
func (c *Connection) IsValid() bool {
	return c.client.Load() != nil
}

// InSendSync reports whether the owning loop is inside SendSync.
func (c *Connection) InSendSync() bool {
	return c.inSendSync.Load() > 0
}

// InDispatchWhileWaiting reports whether the owning loop is dispatching a
// message flagged dispatch-while-waiting.
func (c *Connection) InDispatchWhileWaiting() bool {
	return c.inDispatchWhileWaiting.Load() > 0
}

func (c *Connection) currentClient() Client {
	if ref := c.client.Load(); ref != nil {
		return ref.Client
	}
	return nil
}

// Open starts the adapter and begins draining the outgoing queue.
func (c *Connection) Open() error {
	if !c.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	if !c.IsValid() {
		return ErrConnectionInvalid
	}

	if err := c.adapter.Open(connectionHandler{c}); err != nil {
		return fmt.Errorf("coreipc open %s: %w", c.cfg.name, err)
	}

	if c.cfg.registry != nil {
		c.cfg.registry.Register(c)
	}

	c.queue.Dispatch(func() {
		c.isConnected = true
		c.sendOutgoingMessages()
	})

	slog.Debug("coreipc connection opened", "conn", c.cfg.name, "id", c.id)
	return nil
}

// Send queues env for delivery. It never blocks on the channel.
func (c *Connection) Send(env *Envelope, flags SendFlags) error {
	if !c.IsValid() {
		return ErrConnectionInvalid
	}

	if flags&DispatchWhileWaiting != 0 &&
		(!c.cfg.onlyDispatchWhileWaitingWhenProcessing || c.inDispatchWhileWaiting.Load() > 0) {
		env.Flags |= FlagDispatchWhileWaiting
	}

	c.outMu.Lock()
	c.outgoing.PushBack(env)
	c.outMu.Unlock()

	c.queue.Dispatch(c.sendOutgoingMessages)
	return nil
}

// sendOutgoingMessages drains the outgoing queue in order. It stops when the
// adapter pushes back and resumes on OnWritable, retrying the same frame.
func (c *Connection) sendOutgoingMessages() {
	if !c.isConnected {
		return
	}

	for {
		frame := c.pendingFrame
		c.pendingFrame = nil

		if frame == nil {
			c.outMu.Lock()
			env, ok := c.outgoing.PopFront()
			c.outMu.Unlock()
			if !ok {
				return
			}

			var err error
			frame, err = encodeEnvelope(env)
			if err != nil {
				slog.Error("coreipc encode failed", "conn", c.cfg.name, "message", env.String(), "error", err)
				continue
			}
		}

		err := c.adapter.Write(frame)
		switch {
		case err == nil:
			c.metrics.MessagesSent.Add(1)
		case errors.Is(err, iox.ErrWouldBlock):
			c.pendingFrame = frame
			c.metrics.WriteStalls.Add(1)
			return
		default:
			slog.Warn("coreipc write failed", "conn", c.cfg.name, "error", err)
			c.connectionDidClose(err)
			return
		}
	}
}

// connectionHandler receives adapter callbacks and moves them onto the
// connection's work queue, which keeps them ordered.
type connectionHandler struct {
	c *Connection
}

func (h connectionHandler) OnFrame(frame []byte) {
	h.c.queue.Dispatch(func() {
		h.c.processIncomingFrame(frame)
	})
}

func (h connectionHandler) OnWritable() {
	h.c.queue.Dispatch(h.c.sendOutgoingMessages)
}

func (h connectionHandler) OnClosed(err error) {
	h.c.queue.Dispatch(func() {
		h.c.connectionDidClose(err)
	})
}

func (c *Connection) processIncomingFrame(frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		slog.Warn("coreipc dropped undecodable frame", "conn", c.cfg.name, "size", len(frame), "error", err)
		c.metrics.InvalidMessages.Add(1)
		c.loop.Dispatch(func() {
			c.dispatchDidReceiveInvalidMessage("", "")
		})
		return
	}

	c.metrics.MessagesReceived.Add(1)
	c.processIncomingMessage(env)
}

// processIncomingMessage routes a decoded envelope, first match wins:
// sync reply, off-loop receiver, WaitForMessage waiter, the sync
// coordinator, then the ordered incoming queue.
func (c *Connection) processIncomingMessage(env *Envelope) {
	if env.IsSyncReply() {
		c.processIncomingSyncReply(env)
		return
	}

	c.receiversMu.RLock()
	entry, ok := c.receivers[env.Receiver]
	c.receiversMu.RUnlock()
	if ok {
		c.dispatchToWorkQueueReceiver(entry, env)
		return
	}

	c.waitMu.Lock()
	key := keyOf(env)
	if w, ok := c.waiters[key]; ok {
		delete(c.waiters, key)
		c.waitMu.Unlock()
		w.ch <- env
		return
	}

	if env.IsSync() || env.ShouldDispatchWhileWaiting() || c.cfg.fullySynchronousModeForTesting {
		c.waitMu.Unlock()
		c.coord.processIncoming(c, env)
		return
	}

	c.inMu.Lock()
	c.incoming.PushBack(env)
	c.inMu.Unlock()
	c.waitMu.Unlock()

	c.loop.Dispatch(c.dispatchOneMessage)
}

func (c *Connection) dispatchOneMessage() {
	c.inMu.Lock()
	env, ok := c.incoming.PopFront()
	c.inMu.Unlock()

	// WaitForMessage may have taken it.
	if !ok {
		return
	}
	c.dispatchMessage(env)
}

// dispatchMessage delivers env to the client on the owning loop.
func (c *Connection) dispatchMessage(env *Envelope) {
	client := c.currentClient()
	if client == nil {
		return
	}

	saved := c.didReceiveInvalidMessage
	c.didReceiveInvalidMessage = false

	c.dispatchToClient(client, env)

	invalid := c.didReceiveInvalidMessage
	c.didReceiveInvalidMessage = saved

	if invalid {
		c.dispatchDidReceiveInvalidMessage(env.Receiver, env.Message)
	}
}

func (c *Connection) dispatchToClient(client Client, env *Envelope) {
	c.inDispatch.Add(1)
	defer c.inDispatch.Add(-1)

	if env.ShouldDispatchWhileWaiting() {
		c.inDispatchWhileWaiting.Add(1)
		defer c.inDispatchWhileWaiting.Add(-1)
	}

	if env.IsSync() {
		c.dispatchSyncMessage(client, env)
		return
	}
	client.OnMessage(c, env)
}

func (c *Connection) dispatchSyncMessage(client Client, env *Envelope) {
	if env.SyncRequestID == 0 {
		c.MarkCurrentlyDispatchedMessageInvalid()
		return
	}

	reply := newReply(c, env.SyncRequestID)
	client.OnSyncMessage(c, env, reply)
	reply.sendUnlessDeferred()
}

// MarkCurrentlyDispatchedMessageInvalid flags the message being dispatched
// on the owning loop. The client's OnInvalidMessage runs once the handler
// returns.
func (c *Connection) MarkCurrentlyDispatchedMessageInvalid() {
	if c.inDispatch.Load() == 0 {
		panic("coreipc: MarkCurrentlyDispatchedMessageInvalid called outside dispatch")
	}
	c.didReceiveInvalidMessage = true
}

func (c *Connection) dispatchDidReceiveInvalidMessage(receiver, message string) {
	c.metrics.InvalidMessages.Add(1)
	if client := c.currentClient(); client != nil {
		client.OnInvalidMessage(c, receiver, message)
	}
}

// Invalidate stops all traffic. Pending synchronous calls and waiters are
// released with failure. The client's OnClosed is not called. Safe to call
// more than once, from any goroutine.
func (c *Connection) Invalidate() {
	if c.client.Swap(nil) == nil {
		return
	}
	slog.Debug("coreipc connection invalidated", "conn", c.cfg.name)
	c.queue.Dispatch(func() {
		c.teardown(nil, false)
	})
}

// connectionDidClose runs on the work queue when the channel fails or the
// peer closes it.
func (c *Connection) connectionDidClose(err error) {
	if err != nil {
		slog.Warn("coreipc connection closed", "conn", c.cfg.name, "error", err)
	} else {
		slog.Info("coreipc connection closed by peer", "conn", c.cfg.name)
	}
	c.teardown(err, true)
}

func (c *Connection) teardown(err error, peerClosed bool) {
	c.teardownOnce.Do(func() {
		c.isConnected = false
		c.pendingFrame = nil
		c.adapter.Close()

		c.syncMu.Lock()
		c.acceptSyncReplies = false
		c.syncMu.Unlock()
		c.coord.wakeUp()

		c.secondary.failAll()
		close(c.closed)

		if c.cfg.registry != nil {
			c.cfg.registry.Remove(c.id)
		}

		if peerClosed {
			if fn := c.cfg.didCloseOnConnectionQueue; fn != nil {
				fn(c)
			}
			c.loop.Dispatch(c.dispatchConnectionDidClose)
		}

		c.queue.Stop()
	})
}

func (c *Connection) dispatchConnectionDidClose() {
	ref := c.client.Swap(nil)
	if ref == nil {
		// Invalidated in the meantime.
		return
	}
	ref.Client.OnClosed(c)
}

// Closed is closed once the connection has torn down.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// WaitForMessage blocks until a message matching receiver, message and
// destination arrives, the timeout elapses, or the connection tears down.
// A matching message already in the incoming queue is returned at once.
// The message is returned undispatched; nil means no match.
//
// At most one waiter per key may exist; a second one panics.
func (c *Connection) WaitForMessage(receiver, message string, destination uint64, timeout time.Duration) *Envelope {
	key := messageKey{receiver: receiver, message: message, destination: destination}

	c.waitMu.Lock()
	c.inMu.Lock()
	env, ok := c.incoming.RemoveFirst(func(e *Envelope) bool {
		return keyOf(e) == key
	})
	c.inMu.Unlock()
	if ok {
		c.waitMu.Unlock()
		return env
	}

	if _, dup := c.waiters[key]; dup {
		c.waitMu.Unlock()
		panic(fmt.Sprintf("coreipc: already waiting for %s/%s destination %d", receiver, message, destination))
	}
	w := &messageWaiter{ch: make(chan *Envelope, 1)}
	c.waiters[key] = w
	c.waitMu.Unlock()

	timer := time.NewTimer(time.Until(deadlineAfter(timeout)))
	defer timer.Stop()

	select {
	case env := <-w.ch:
		return env
	case <-timer.C:
	case <-c.closed:
	}

	c.waitMu.Lock()
	if c.waiters[key] == w {
		delete(c.waiters, key)
		c.waitMu.Unlock()
		return nil
	}
	c.waitMu.Unlock()

	// Delivered between the timeout and taking the lock.
	return <-w.ch
}

// WaitForAndDispatchImmediately waits like WaitForMessage and dispatches the
// message on the calling goroutine, which must be the owning loop.
func (c *Connection) WaitForAndDispatchImmediately(receiver, message string, destination uint64, timeout time.Duration) bool {
	env := c.WaitForMessage(receiver, message, destination, timeout)
	if env == nil {
		return false
	}
	c.dispatchMessage(env)
	return true
}

// AddWorkQueueReceiver routes every message for receiver to r on q instead
// of the owning loop. Registering the same name twice panics.
func (c *Connection) AddWorkQueueReceiver(receiver string, q *WorkQueue, r WorkQueueReceiver) {
	c.receiversMu.Lock()
	defer c.receiversMu.Unlock()

	if _, ok := c.receivers[receiver]; ok {
		panic("coreipc: work queue receiver already registered: " + receiver)
	}
	c.receivers[receiver] = workQueueReceiverEntry{queue: q, receiver: r}
}

func (c *Connection) RemoveWorkQueueReceiver(receiver string) {
	c.receiversMu.Lock()
	delete(c.receivers, receiver)
	c.receiversMu.Unlock()
}

func (c *Connection) dispatchToWorkQueueReceiver(entry workQueueReceiverEntry, env *Envelope) {
	c.metrics.OffLoopDispatched.Add(1)

	ok := entry.queue.Dispatch(func() {
		if !env.IsSync() {
			entry.receiver.OnMessage(c, env)
			return
		}
		if env.SyncRequestID == 0 {
			slog.Warn("coreipc sync message without request id", "conn", c.cfg.name, "message", env.String())
			c.metrics.InvalidMessages.Add(1)
			return
		}
		reply := newReply(c, env.SyncRequestID)
		entry.receiver.OnSyncMessage(c, env, reply)
		reply.sendUnlessDeferred()
	})
	if !ok {
		slog.Warn("coreipc work queue stopped, message dropped", "conn", c.cfg.name, "queue", entry.queue.Name(), "message", env.String())
	}
}
