package coreipc

import "testing"

func TestDeque_PushPop(t *testing.T) {
	d := NewDeque[int](4)

	for i := 0; i < 1000; i++ {
		d.PushBack(i)

		v, ok := d.PopFront()
		if !ok {
			t.Fatalf("PopFront on non-empty deque returned ok=false")
		}
		if v != i {
			t.Fatalf("expected %v, got %v", i, v)
		}
	}
}

func TestDeque_Grow(t *testing.T) {
	d := NewDeque[int](0)

	// Offset the read index so growth has to unwrap the ring.
	for i := 0; i < 10; i++ {
		d.PushBack(-1)
		d.PopFront()
	}

	for i := 0; i < 100; i++ {
		d.PushBack(i)
	}
	if d.Len() != 100 {
		t.Fatalf("Len = %d, want 100", d.Len())
	}

	for i := 0; i < 100; i++ {
		v, _ := d.PopFront()
		if v != i {
			t.Fatalf("expected %v, got %v", i, v)
		}
	}
}

func TestDeque_PopEmpty(t *testing.T) {
	d := NewDeque[string](0)

	v, ok := d.PopFront()
	if ok {
		t.Errorf("expected ok=false popping empty deque, got %q", v)
	}
}

func TestDeque_PushFront(t *testing.T) {
	d := NewDeque[int](0)
	d.PushBack(2)
	d.PushBack(3)

	v, _ := d.PopFront()
	d.PushFront(v)
	d.PushFront(1)

	want := []int{1, 2, 3}
	got := d.TakeAll()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDeque_PushFrontGrows(t *testing.T) {
	d := NewDeque[int](0)
	for i := 0; i < minDequeSize; i++ {
		d.PushBack(i + 1)
	}
	d.PushFront(0)

	for i := 0; i <= minDequeSize; i++ {
		v, _ := d.PopFront()
		if v != i {
			t.Fatalf("expected %v, got %v", i, v)
		}
	}
}

func TestDeque_RemoveFirst(t *testing.T) {
	d := NewDeque[int](0)
	for _, v := range []int{1, 2, 3, 2, 4} {
		d.PushBack(v)
	}

	v, ok := d.RemoveFirst(func(x int) bool { return x == 2 })
	if !ok || v != 2 {
		t.Fatalf("RemoveFirst = %v, %v; want 2, true", v, ok)
	}

	want := []int{1, 3, 2, 4}
	got := d.TakeAll()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if _, ok := d.RemoveFirst(func(x int) bool { return true }); ok {
		t.Error("RemoveFirst on empty deque returned ok=true")
	}
}

func TestDeque_TakeAllEmpty(t *testing.T) {
	d := NewDeque[int](0)
	if vals := d.TakeAll(); vals != nil {
		t.Errorf("expected nil slice, got %v", vals)
	}
}
