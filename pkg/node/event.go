package node

import (
	"context"
	"sync"
)

// event is a level-triggered signal: once Set, every current and future
// Wait returns immediately, until Clear resets it. It mirrors the
// close-channel idiom used elsewhere in this codebase for broadcast
// shutdown signals, generalized to be re-armable.
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// Set raises the signal, releasing every blocked and future Wait until
// the next Clear.
func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
}

// Clear lowers the signal. A Wait already past its select has already
// returned and is unaffected.
func (e *event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// Wait blocks until Set is called (returning nil) or ctx is done
// (returning ctx.Err()).
func (e *event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
