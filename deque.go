package coreipc

// Deque is an unbounded FIFO ring that grows by doubling. It is not
// synchronized; every queue in this package is guarded by its owner's lock.
type Deque[T any] struct {
	buf     []T
	readIdx int
	len     int
}

const minDequeSize = 16

func NewDeque[T any](size int) *Deque[T] {
	if size < minDequeSize {
		size = minDequeSize
	}
	return &Deque[T]{buf: make([]T, size)}
}

func (d *Deque[T]) Len() int {
	return d.len
}

func (d *Deque[T]) grow() {
	size := len(d.buf) * 2
	if size == 0 {
		size = minDequeSize
	}
	buf := make([]T, size)
	for i := 0; i < d.len; i++ {
		buf[i] = d.buf[(d.readIdx+i)%len(d.buf)]
	}
	d.buf = buf
	d.readIdx = 0
}

func (d *Deque[T]) PushBack(val T) {
	if d.len == len(d.buf) {
		d.grow()
	}
	d.buf[(d.readIdx+d.len)%len(d.buf)] = val
	d.len++
}

// PushFront puts val back at the head, used when a popped item could not be
// consumed and must keep its place in line.
func (d *Deque[T]) PushFront(val T) {
	if d.len == len(d.buf) {
		d.grow()
	}
	d.readIdx = (d.readIdx - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.readIdx] = val
	d.len++
}

func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.len == 0 {
		return zero, false
	}
	v := d.buf[d.readIdx]
	d.buf[d.readIdx] = zero
	d.readIdx = (d.readIdx + 1) % len(d.buf)
	d.len--
	return v, true
}

// RemoveFirst removes and returns the first element matching fn, keeping the
// relative order of the rest.
func (d *Deque[T]) RemoveFirst(fn func(T) bool) (T, bool) {
	var zero T
	for i := 0; i < d.len; i++ {
		idx := (d.readIdx + i) % len(d.buf)
		if !fn(d.buf[idx]) {
			continue
		}
		v := d.buf[idx]
		for j := i; j < d.len-1; j++ {
			d.buf[(d.readIdx+j)%len(d.buf)] = d.buf[(d.readIdx+j+1)%len(d.buf)]
		}
		d.buf[(d.readIdx+d.len-1)%len(d.buf)] = zero
		d.len--
		return v, true
	}
	return zero, false
}

// TakeAll empties the deque and returns its contents in FIFO order.
func (d *Deque[T]) TakeAll() []T {
	if d.len == 0 {
		return nil
	}
	vals := make([]T, 0, d.len)
	for {
		v, ok := d.PopFront()
		if !ok {
			return vals
		}
		vals = append(vals, v)
	}
}
