package coreipc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Pipe is an in-process Adapter. NewPipe returns two connected endpoints.
//
// Invariants:
//   - Each direction is a bounded single-producer single-consumer queue.
//     The producer is the writing Connection's work queue; the consumer is
//     the reading endpoint's delivery goroutine.
//   - Write returns iox.ErrWouldBlock when the queue is full. The reader
//     calls the writer's OnWritable after it has made room.
//   - Closing either endpoint closes the pair. The other endpoint drains
//     what is already queued and then reports OnClosed(nil).
type Pipe struct {
	pair *pipePair
	name string

	sendQ *lfq.SPSC[[]byte]
	recvQ *lfq.SPSC[[]byte]

	// ready is signalled by the peer after every enqueue onto recvQ.
	ready chan struct{}
	peer  *Pipe

	handler atomic.Pointer[AdapterHandler]
	opened  atomic.Bool

	// blocked is set when a Write hit a full sendQ and cleared by the
	// peer's delivery goroutine once it dequeues.
	blocked       atomic.Bool
	closedLocally atomic.Bool
}

type pipePair struct {
	a, b Pipe

	closed    atomix.Uint32
	done      chan struct{}
	closeOnce sync.Once

	dataAB lfq.SPSC[[]byte]
	dataBA lfq.SPSC[[]byte]
}

var ErrPipeClosed = fmt.Errorf("coreipc: pipe closed")

// pipeSpinRounds bounds how many backoff rounds a delivery goroutine spends
// on an empty queue before parking on its ready channel.
const pipeSpinRounds = 8

// NewPipe creates a connected pair of endpoints, each direction holding up
// to capacity frames.
func NewPipe(capacity int) (*Pipe, *Pipe) {
	capacity = roundPow2(capacity)

	pair := &pipePair{done: make(chan struct{})}
	pair.dataAB.Init(capacity)
	pair.dataBA.Init(capacity)

	pair.a = Pipe{
		pair:  pair,
		name:  "a",
		sendQ: &pair.dataAB,
		recvQ: &pair.dataBA,
		ready: make(chan struct{}, 1),
	}
	pair.b = Pipe{
		pair:  pair,
		name:  "b",
		sendQ: &pair.dataBA,
		recvQ: &pair.dataAB,
		ready: make(chan struct{}, 1),
	}
	pair.a.peer = &pair.b
	pair.b.peer = &pair.a

	return &pair.a, &pair.b
}

func roundPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (p *Pipe) Open(h AdapterHandler) error {
	if !p.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	p.handler.Store(&h)
	go p.deliver()
	return nil
}

func (p *Pipe) Write(frame []byte) error {
	if p.pair.closed.Load() != 0 {
		return ErrPipeClosed
	}

	if err := p.sendQ.Enqueue(&frame); err != nil {
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		p.blocked.Store(true)
		// The reader may have drained the queue before blocked was set;
		// retry once so that OnWritable is never owed for an empty queue.
		if err := p.sendQ.Enqueue(&frame); err != nil {
			return err
		}
		p.blocked.Store(false)
	}

	select {
	case p.peer.ready <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipe) Close() error {
	p.closedLocally.Store(true)
	p.pair.closeOnce.Do(func() {
		p.pair.closed.Add(1)
		close(p.pair.done)
	})
	return nil
}

func (p *Pipe) currentHandler() AdapterHandler {
	if h := p.handler.Load(); h != nil {
		return *h
	}
	return nil
}

// deliver moves frames from recvQ to the handler until the pair closes.
func (p *Pipe) deliver() {
	h := p.currentHandler()
	var bo iox.Backoff
	spins := 0

	for {
		frame, err := p.recvQ.Dequeue()
		if err == nil {
			bo.Reset()
			spins = 0
			h.OnFrame(frame)
			if p.peer.blocked.CompareAndSwap(true, false) {
				if ph := p.peer.currentHandler(); ph != nil {
					ph.OnWritable()
				}
			}
			continue
		}

		if p.pair.closed.Load() != 0 {
			// Anything enqueued before Close was observed has been
			// delivered above; the queue is empty now.
			if !p.closedLocally.Load() {
				h.OnClosed(nil)
			}
			return
		}

		if spins < pipeSpinRounds {
			spins++
			bo.Wait()
			continue
		}

		select {
		case <-p.ready:
		case <-p.pair.done:
		}
	}
}
