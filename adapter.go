package coreipc

// Adapter moves whole frames between two endpoints. A Connection owns its
// adapter: it opens it once and afterwards only touches it from its
// background work queue.
//
// Write returns nil once the frame is accepted, iox.ErrWouldBlock when the
// channel cannot take more data right now (the adapter must call
// OnWritable later), or any other error for a broken channel. Write takes
// ownership of frame unless it returns iox.ErrWouldBlock.
type Adapter interface {
	Open(h AdapterHandler) error
	Write(frame []byte) error
	Close() error
}

// AdapterHandler receives adapter events. Calls may arrive on any
// goroutine, concurrently. Frames from one adapter are delivered in order.
// OnFrame hands ownership of frame to the handler.
type AdapterHandler interface {
	OnFrame(frame []byte)
	OnWritable()
	// OnClosed reports end-of-stream (err == nil) or a channel failure.
	OnClosed(err error)
}
