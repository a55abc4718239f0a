package coreipc

import "sync"

// Reply answers one incoming synchronous call. Handlers set the payload;
// the reply goes out when the handler returns, or later through Send if the
// handler called Defer. A reply is sent at most once.
type Reply struct {
	conn          *Connection
	syncRequestID uint64

	mu       sync.Mutex
	payload  []byte
	deferred bool
	sent     bool
}

func newReply(c *Connection, syncRequestID uint64) *Reply {
	return &Reply{conn: c, syncRequestID: syncRequestID}
}

func (r *Reply) SyncRequestID() uint64 {
	return r.syncRequestID
}

func (r *Reply) SetPayload(p []byte) {
	r.mu.Lock()
	r.payload = p
	r.mu.Unlock()
}

// Defer keeps the reply from being sent when the handler returns. The
// caller must call Send eventually, from any goroutine.
func (r *Reply) Defer() {
	r.mu.Lock()
	r.deferred = true
	r.mu.Unlock()
}

// Send delivers the reply. Calls after the first are no-ops.
func (r *Reply) Send() error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return nil
	}
	r.sent = true
	payload := r.payload
	r.mu.Unlock()

	return r.conn.Send(newSyncReplyEnvelope(r.syncRequestID, payload), 0)
}

func (r *Reply) sendUnlessDeferred() {
	r.mu.Lock()
	deferred := r.deferred
	r.mu.Unlock()

	if !deferred {
		r.Send()
	}
}
