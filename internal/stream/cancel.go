package stream

import (
	"context"
	"sync"
)

// cancelGuard holds the cancel function of the in-flight exchange. The
// Update path and the consume goroutine both reach for it, so access is
// mutex-protected.
type cancelGuard struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (g *cancelGuard) set(fn context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel = fn
}

// fire invokes the stored cancel function and clears it. Safe to call
// repeatedly or with nothing stored.
func (g *cancelGuard) fire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}
