package coreipc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
)

// recordingHandler collects adapter events.
type recordingHandler struct {
	mu       sync.Mutex
	frames   [][]byte
	writable int
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 1)}
}

func (h *recordingHandler) OnFrame(frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, frame)
	h.mu.Unlock()
}

func (h *recordingHandler) OnWritable() {
	h.mu.Lock()
	h.writable++
	h.mu.Unlock()
}

func (h *recordingHandler) OnClosed(err error) {
	h.closed <- err
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *recordingHandler) writableCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writable
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipe_DeliversInOrder(t *testing.T) {
	skipRace(t)

	a, b := NewPipe(8)
	ha, hb := newRecordingHandler(), newRecordingHandler()
	if err := a.Open(ha); err != nil {
		t.Fatalf("Open a: %v", err)
	}
	if err := b.Open(hb); err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer a.Close()

	for i := 0; i < 100; i++ {
		frame := []byte{byte(i)}
		for {
			err := a.Write(frame)
			if err == nil {
				break
			}
			if !errors.Is(err, iox.ErrWouldBlock) {
				t.Fatalf("Write: %v", err)
			}
			time.Sleep(time.Millisecond)
		}
	}

	eventually(t, 2*time.Second, func() bool { return hb.frameCount() == 100 }, "all frames delivered")

	hb.mu.Lock()
	defer hb.mu.Unlock()
	for i, f := range hb.frames {
		if f[0] != byte(i) {
			t.Fatalf("frame %d carries %d", i, f[0])
		}
	}
}

func TestPipe_WouldBlockThenWritable(t *testing.T) {
	skipRace(t)

	a, b := NewPipe(2)
	ha, hb := newRecordingHandler(), newRecordingHandler()
	a.Open(ha)
	defer a.Close()

	// b is not open yet, so nothing drains a's queue.
	blocked := false
	for i := 0; i < 64; i++ {
		err := a.Write([]byte{byte(i)})
		if errors.Is(err, iox.ErrWouldBlock) {
			blocked = true
			break
		}
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if !blocked {
		t.Fatal("Write never returned iox.ErrWouldBlock on a full queue")
	}

	b.Open(hb)

	eventually(t, 2*time.Second, func() bool { return ha.writableCount() >= 1 }, "OnWritable after drain")
}

func TestPipe_CloseNotifiesPeer(t *testing.T) {
	skipRace(t)

	a, b := NewPipe(4)
	ha, hb := newRecordingHandler(), newRecordingHandler()
	a.Open(ha)
	b.Open(hb)

	a.Write([]byte("last"))
	a.Close()

	select {
	case err := <-hb.closed:
		if err != nil {
			t.Errorf("OnClosed err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the close")
	}

	if hb.frameCount() != 1 {
		t.Errorf("peer got %d frames, want the one written before close", hb.frameCount())
	}

	select {
	case <-ha.closed:
		t.Error("closing endpoint reported its own close")
	case <-time.After(20 * time.Millisecond):
	}

	if err := a.Write([]byte("x")); !errors.Is(err, ErrPipeClosed) {
		t.Errorf("Write after close: got %v, want ErrPipeClosed", err)
	}
}

func TestPipe_OpenTwice(t *testing.T) {
	a, _ := NewPipe(4)
	a.Open(newRecordingHandler())
	defer a.Close()

	if err := a.Open(newRecordingHandler()); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open: got %v, want ErrAlreadyOpen", err)
	}
}

func TestRoundPow2(t *testing.T) {
	cases := map[int]int{0: 2, 1: 2, 2: 2, 3: 4, 8: 8, 9: 16, 1000: 1024}
	for in, want := range cases {
		if got := roundPow2(in); got != want {
			t.Errorf("roundPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
