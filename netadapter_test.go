package coreipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestHandshakeRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeHandshake(c1, "web-process")
	}()

	got, err := readHandshake(c2)
	if err != nil {
		t.Fatalf("readHandshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeHandshake: %v", err)
	}
	if got != "web-process" {
		t.Fatalf("name: got %q, want %q", got, "web-process")
	}
}

func TestHandshake_InvalidName(t *testing.T) {
	cases := []struct {
		name string
		peer string
	}{
		{"empty", ""},
		{"too-long", strings.Repeat("x", maxNameLength+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeHandshake(&buf, tc.peer); err == nil {
				t.Fatal("writeHandshake accepted an invalid name")
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := NewNetAdapter(c1, "a")
	frame, _ := encodeEnvelope(NewSyncEnvelope("Echo", "Call", 9, []byte("payload")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Write(frame)
	}()

	got, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame: got %x, want %x", got, frame)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(maxFrameSize+1))

	if _, err := readFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrame_Incomplete(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("short")

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("readFrame accepted a truncated frame")
	}
}

func TestNetAdapter_WriteTooLarge(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := NewNetAdapter(c1, "a")
	if err := a.Write(make([]byte, maxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestNetAdapter_PeerCloseReportsEOF(t *testing.T) {
	c1, c2 := net.Pipe()

	a := NewNetAdapter(c1, "a")
	h := newRecordingHandler()
	if err := a.Open(h); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Open(h); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open: got %v, want ErrAlreadyOpen", err)
	}

	c2.Close()

	select {
	case err := <-h.closed:
		if err != nil {
			t.Errorf("OnClosed err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called after peer close")
	}
	a.Close()
	a.Wait()
}

func TestNetAdapter_LocalCloseIsSilent(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	a := NewNetAdapter(c1, "a")
	h := newRecordingHandler()
	a.Open(h)

	a.Close()
	a.Wait()

	select {
	case err := <-h.closed:
		t.Fatalf("OnClosed(%v) after local Close", err)
	default:
	}

	if err := a.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after Close: got %v, want net.ErrClosed", err)
	}
}

func TestNetAdapter_SyncCallOverTCP(t *testing.T) {
	ln, err := ListenNet("tcp", "127.0.0.1:0", "server")
	if err != nil {
		t.Fatalf("ListenNet: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *NetAdapter, 1)
	go func() {
		a, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- a
	}()

	clientAdapter, err := DialNet("tcp", ln.Addr().String(), "client")
	if err != nil {
		t.Fatalf("DialNet: %v", err)
	}
	if clientAdapter.PeerName() != "server" {
		t.Errorf("client PeerName = %q, want server", clientAdapter.PeerName())
	}

	var serverAdapter *NetAdapter
	select {
	case serverAdapter = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept timed out")
	}
	if serverAdapter.PeerName() != "client" {
		t.Errorf("server PeerName = %q, want client", serverAdapter.PeerName())
	}

	serverLoop, clientLoop := startLoop(t), startLoop(t)
	server := NewConnection(NewSyncCoordinator(serverLoop), serverAdapter, newTestClient(), WithName("server"))
	client := NewConnection(NewSyncCoordinator(clientLoop), clientAdapter, newTestClient(), WithName("client"))
	defer server.Invalidate()
	defer client.Invalidate()

	if err := server.Open(); err != nil {
		t.Fatalf("server Open: %v", err)
	}
	if err := client.Open(); err != nil {
		t.Fatalf("client Open: %v", err)
	}

	var reply *Envelope
	clientLoop.Invoke(func() {
		reply, err = client.SendSync(NewSyncEnvelope("Echo", "Call", 0, []byte("over tcp")), 2*time.Second, 0)
	})
	if err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if string(reply.Payload) != "over tcp" {
		t.Fatalf("reply = %q, want %q", reply.Payload, "over tcp")
	}

	// Off-loop callers share the socket with the loop.
	reply, err = client.SendSyncOffLoop(NewSyncEnvelope("Echo", "Call", 0, []byte("off loop")), 2*time.Second)
	if err != nil {
		t.Fatalf("SendSyncOffLoop: %v", err)
	}
	if string(reply.Payload) != "off loop" {
		t.Fatalf("reply = %q, want %q", reply.Payload, "off loop")
	}
}
