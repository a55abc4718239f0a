package coreipc

import (
	"sync"
	"testing"
	"time"
)

func TestWorkQueue_RunsInOrder(t *testing.T) {
	q := NewWorkQueue("test")

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.Dispatch(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Stop()
	q.Wait()

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestWorkQueue_SurvivesPanic(t *testing.T) {
	q := NewWorkQueue("panicky")
	defer q.Stop()

	q.Dispatch(func() { panic("boom") })

	done := make(chan struct{})
	q.Dispatch(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
}

func TestWorkQueue_DispatchAfterStop(t *testing.T) {
	q := NewWorkQueue("stopped")
	q.Stop()
	q.Wait()

	if q.Dispatch(func() {}) {
		t.Error("Dispatch after Stop returned true")
	}
}

func TestWorkQueue_StopFromTask(t *testing.T) {
	q := NewWorkQueue("self-stop")

	ran := make(chan struct{})
	q.Dispatch(func() { q.Stop() })
	q.Dispatch(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task queued before Stop did not run")
	}
	q.Wait()
}
