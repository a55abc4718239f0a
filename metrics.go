package coreipc

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across connections.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Connection. All counters are
// lock-free and published to expvar under the "coreipc.<seq>." prefix for
// inspection via /debug/vars.
type Metrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	WriteStalls      atomic.Int64

	SyncCallsTotal     atomic.Int64
	SyncCallsFailed    atomic.Int64
	SyncCallsTimedOut  atomic.Int64
	SyncRepliesDropped atomic.Int64

	DispatchedWhileWaiting atomic.Int64
	OffLoopDispatched      atomic.Int64
	InvalidMessages        atomic.Int64
}

func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "coreipc." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_sent", atomicVar(&m.MessagesSent))
	publish("messages_received", atomicVar(&m.MessagesReceived))
	publish("write_stalls", atomicVar(&m.WriteStalls))
	publish("sync_calls_total", atomicVar(&m.SyncCallsTotal))
	publish("sync_calls_failed", atomicVar(&m.SyncCallsFailed))
	publish("sync_calls_timed_out", atomicVar(&m.SyncCallsTimedOut))
	publish("sync_replies_dropped", atomicVar(&m.SyncRepliesDropped))
	publish("dispatched_while_waiting", atomicVar(&m.DispatchedWhileWaiting))
	publish("off_loop_dispatched", atomicVar(&m.OffLoopDispatched))
	publish("invalid_messages", atomicVar(&m.InvalidMessages))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages_sent":            m.MessagesSent.Load(),
		"messages_received":        m.MessagesReceived.Load(),
		"write_stalls":             m.WriteStalls.Load(),
		"sync_calls_total":         m.SyncCallsTotal.Load(),
		"sync_calls_failed":        m.SyncCallsFailed.Load(),
		"sync_calls_timed_out":     m.SyncCallsTimedOut.Load(),
		"sync_replies_dropped":     m.SyncRepliesDropped.Load(),
		"dispatched_while_waiting": m.DispatchedWhileWaiting.Load(),
		"off_loop_dispatched":      m.OffLoopDispatched.Load(),
		"invalid_messages":         m.InvalidMessages.Load(),
	}
}
