package coreipc

// NetAdapter carries frames over a stream socket (TCP or unix).
//
// Invariants:
//   - Wire format: [4-byte big-endian frame length][frame bytes].
//   - Every conn.Write is one complete length-prefixed frame, bounded by
//     the write timeout. A write error is returned to the Connection, which
//     tears itself down; the adapter never retries.
//   - A single read goroutine owns the bufio.Reader. EOF is reported as
//     OnClosed(nil), any other read error as OnClosed(err), unless Close
//     was called first.
//   - Read deadlines (when enabled) are refreshed every few seconds using
//     the coarse clock, not per frame.
//
// Handshake format, exchanged once before Open:
//
//	[2-byte big-endian name length][name UTF-8 bytes]
//
// Dialers write first and then read; acceptors read first and then write.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// netDialTimeout bounds net.DialTimeout in DialNet.
const netDialTimeout = 5 * time.Second

// netHandshakeTimeout bounds the name exchange after a connection is
// established.
const netHandshakeTimeout = 5 * time.Second

// netWriteTimeout bounds every conn.Write so a peer that stops reading
// cannot wedge the connection's work queue.
const netWriteTimeout = 5 * time.Second

// maxFrameSize is the upper bound on a single frame. Larger frames are
// rejected on both write and read.
const maxFrameSize = 16 << 20 // 16 MB

// maxNameLength bounds the handshake name.
const maxNameLength = 256

var ErrFrameTooLarge = fmt.Errorf("coreipc: frame too large")

type NetAdapter struct {
	conn      net.Conn
	localName string
	peerName  string

	readTimeout  time.Duration
	writeTimeout time.Duration

	handler AdapterHandler
	opened  atomic.Bool
	closed  atomic.Bool

	// writeMu serialises writers; in practice only the owning
	// Connection's work queue writes.
	writeMu           sync.Mutex
	frameBuf          []byte
	lastWriteDeadline int64

	wg        conc.WaitGroup
	closeOnce sync.Once
}

// NetOption configures a NetAdapter.
type NetOption func(*NetAdapter)

// WithReadTimeout tears the adapter down when no frame arrives for d.
// Zero (the default) disables the idle check.
func WithReadTimeout(d time.Duration) NetOption {
	return func(a *NetAdapter) {
		a.readTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) NetOption {
	return func(a *NetAdapter) {
		a.writeTimeout = d
	}
}

// NewNetAdapter wraps an established connection. The handshake is the
// caller's business; see DialNet and NetListener.
func NewNetAdapter(conn net.Conn, localName string, opts ...NetOption) *NetAdapter {
	a := &NetAdapter{
		conn:         conn,
		localName:    localName,
		writeTimeout: netWriteTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// DialNet connects to address and performs the outbound handshake.
func DialNet(network, address, localName string, opts ...NetOption) (*NetAdapter, error) {
	conn, err := net.DialTimeout(network, address, netDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("coreipc dial %s %s: %w", network, address, err)
	}

	conn.SetDeadline(time.Now().Add(netHandshakeTimeout))

	// Outbound handshake: write → read (opposite of inbound).
	if err := writeHandshake(conn, localName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("coreipc handshake: %w", err)
	}
	peerName, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("coreipc handshake: %w", err)
	}

	conn.SetDeadline(time.Time{})

	a := NewNetAdapter(conn, localName, opts...)
	a.peerName = peerName
	slog.Info("coreipc peer connected", "direction", "outbound", "peer", peerName, "address", address)
	return a, nil
}

// PeerName is the name the remote side sent during the handshake.
func (a *NetAdapter) PeerName() string {
	return a.peerName
}

func (a *NetAdapter) Open(h AdapterHandler) error {
	if !a.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	a.handler = h
	a.wg.Go(a.readLoop)
	return nil
}

func (a *NetAdapter) Write(frame []byte) error {
	if a.closed.Load() {
		return net.ErrClosed
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(frame))
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	now := coarseUnix()
	if a.writeTimeout > 0 && now-a.lastWriteDeadline >= 2 {
		a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
		a.lastWriteDeadline = now
	}

	buf := a.frameBuf[:0]
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frame)))
	buf = append(buf, frame...)
	a.frameBuf = buf

	if _, err := a.conn.Write(buf); err != nil {
		return fmt.Errorf("coreipc write: %w", err)
	}
	return nil
}

// Close shuts the socket. The read goroutine exits on its own; use Wait to
// join it.
func (a *NetAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		err = a.conn.Close()
	})
	return err
}

// Wait blocks until the read goroutine has exited.
func (a *NetAdapter) Wait() {
	a.wg.Wait()
}

func (a *NetAdapter) readLoop() {
	r := bufio.NewReaderSize(a.conn, 65536)

	var lastDeadlineSet int64

	for {
		if a.readTimeout > 0 {
			now := coarseUnix()
			if now-lastDeadlineSet >= 2 {
				a.conn.SetReadDeadline(time.Now().Add(a.readTimeout))
				lastDeadlineSet = now
			}
		}

		frame, err := readFrame(r)
		if err != nil {
			if a.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				a.handler.OnClosed(nil)
				return
			}
			slog.Warn("coreipc read error", "peer", a.peerName, "error", err)
			a.handler.OnClosed(err)
			return
		}

		a.handler.OnFrame(frame)
	}
}

// readFrame reads one length-prefixed frame into a freshly allocated slice,
// whose ownership passes to the caller.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, n)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("coreipc: incomplete frame: %w", err)
	}
	return frame, nil
}

// NetListener accepts stream connections and performs the inbound
// handshake on each.
type NetListener struct {
	ln        net.Listener
	localName string
	opts      []NetOption
}

func ListenNet(network, address, localName string, opts ...NetOption) (*NetListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("coreipc listen: %w", err)
	}
	return &NetListener{ln: ln, localName: localName, opts: opts}, nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (l *NetListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *NetListener) Close() error {
	return l.ln.Close()
}

// Accept waits for the next connection whose handshake succeeds. Failed
// handshakes are logged and skipped.
func (l *NetListener) Accept() (*NetAdapter, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}

		conn.SetDeadline(time.Now().Add(netHandshakeTimeout))

		// Inbound handshake: read → write (opposite of outbound).
		peerName, err := readHandshake(conn)
		if err != nil {
			slog.Error("coreipc handshake read failed", "error", err)
			conn.Close()
			continue
		}
		if err := writeHandshake(conn, l.localName); err != nil {
			slog.Error("coreipc handshake write failed", "error", err)
			conn.Close()
			continue
		}

		conn.SetDeadline(time.Time{})

		a := NewNetAdapter(conn, l.localName, l.opts...)
		a.peerName = peerName
		slog.Info("coreipc peer connected", "direction", "inbound", "peer", peerName)
		return a, nil
	}
}

func writeHandshake(w io.Writer, name string) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return fmt.Errorf("handshake: invalid name length %d", len(name))
	}
	buf := make([]byte, 0, 2+len(name))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("handshake read length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || n > maxNameLength {
		return "", fmt.Errorf("handshake: invalid name length %d", n)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("handshake read name: %w", err)
	}
	return string(name), nil
}
