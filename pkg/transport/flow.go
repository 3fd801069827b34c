package transport

import (
	"context"
	"sync"
)

// FlowControl models a connection's writable state as a cooperative gate.
// Go's net.Conn.Write already blocks the calling goroutine when the OS
// socket buffer fills, so strict backpressure is enforced for free; this
// type exists to preserve the explicit pause/resume protocol the
// Streamer's Send path participates in, and to let callers (or tests)
// impose additional backpressure deterministically.
type FlowControl struct {
	mu       sync.Mutex
	paused   bool
	writable chan struct{}
}

// NewFlowControl returns a FlowControl that starts writable.
func NewFlowControl() *FlowControl {
	fc := &FlowControl{writable: make(chan struct{})}
	close(fc.writable)
	return fc
}

// Drain blocks until the connection is writable, or ctx is done.
func (f *FlowControl) Drain(ctx context.Context) error {
	f.mu.Lock()
	ch := f.writable
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseWriting marks the connection non-writable, blocking future Drain
// calls until ResumeWriting is called.
func (f *FlowControl) PauseWriting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return
	}
	f.paused = true
	f.writable = make(chan struct{})
}

// ResumeWriting marks the connection writable again, releasing any
// goroutines blocked in Drain.
func (f *FlowControl) ResumeWriting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		return
	}
	f.paused = false
	close(f.writable)
}
