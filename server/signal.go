package server

import (
	"context"
	"time"
)

// signal is a one-slot level flag a goroutine can wait on: heartbeat
// answers and battle reconnects use it. Set marks it, Clear unmarks
// it, Wait consumes a mark. The one-slot buffer makes repeated Sets
// collapse into a single mark.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// Set marks the signal. Marking an already marked signal is a no-op.
func (s *signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Clear drops a pending mark, if any.
func (s *signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}

// Wait blocks until the signal is marked and consumes the mark. It
// reports false when timeout elapses or ctx ends first.
func (s *signal) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
