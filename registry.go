package coreipc

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks open connections by id for the admin endpoint and for
// bulk shutdown.
type Registry struct {
	conns map[string]*Connection
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.id] = c
}

func (r *Registry) Lookup(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conns[id]
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, id)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// All returns the registered connections ordered by name, then id.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].cfg.name != conns[j].cfg.name {
			return conns[i].cfg.name < conns[j].cfg.name
		}
		return conns[i].id < conns[j].id
	})
	return conns
}

// InvalidateAll invalidates every registered connection. Each removes
// itself once its teardown has run.
func (r *Registry) InvalidateAll() {
	for _, c := range r.All() {
		slog.Info("invalidating connection", "conn", c.cfg.name, "id", c.id)
		c.Invalidate()
	}
}

// ConnectionStatus is a point-in-time view of a connection.
type ConnectionStatus struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Valid               bool             `json:"valid"`
	InSendSync          bool             `json:"in_send_sync"`
	PendingSyncReplies  int              `json:"pending_sync_replies"`
	PendingOffLoopCalls int              `json:"pending_off_loop_calls"`
	IncomingQueued      int              `json:"incoming_queued"`
	OutgoingQueued      int              `json:"outgoing_queued"`
	Metrics             map[string]int64 `json:"metrics"`
}

func (c *Connection) Status() ConnectionStatus {
	c.syncMu.Lock()
	pending := len(c.pendingReplies)
	c.syncMu.Unlock()

	c.inMu.Lock()
	incoming := c.incoming.Len()
	c.inMu.Unlock()

	c.outMu.Lock()
	outgoing := c.outgoing.Len()
	c.outMu.Unlock()

	return ConnectionStatus{
		ID:                  c.id,
		Name:                c.cfg.name,
		Valid:               c.IsValid(),
		InSendSync:          c.InSendSync(),
		PendingSyncReplies:  pending,
		PendingOffLoopCalls: c.secondary.len(),
		IncomingQueued:      incoming,
		OutgoingQueued:      outgoing,
		Metrics:             c.metrics.Snapshot(),
	}
}
