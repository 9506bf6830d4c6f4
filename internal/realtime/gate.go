package realtime

import (
	"context"
	"sync"
)

// GateState is the hydration state of a client session.
type GateState int

const (
	// Hydrating means session inputs (credential, cached state) are still loading.
	Hydrating GateState = iota
	// Ready means the first connection attempt may proceed.
	Ready
)

func (s GateState) String() string {
	if s == Ready {
		return "ready"
	}
	return "hydrating"
}

// Gate holds the first Connect until the session has hydrated.
// It moves Hydrating -> Ready exactly once.
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

// NewGate returns a gate in the Hydrating state.
func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// MarkReady opens the gate. Further calls are no-ops.
func (g *Gate) MarkReady() {
	g.once.Do(func() { close(g.ready) })
}

// State returns the current gate state.
func (g *Gate) State() GateState {
	select {
	case <-g.ready:
		return Ready
	default:
		return Hydrating
	}
}

// Wait blocks until the gate is ready or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
