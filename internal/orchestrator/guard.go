package orchestrator

import "sync"

// Guard enforces at most one active run per session. It is an owned,
// injected registry rather than package state, so independent orchestrator
// instances (tests included) never share membership.
//
// It is not a queue: a second acquire while a session is busy is rejected
// outright, never buffered.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire claims the session's run slot. It returns false, with no side
// effect, when the session already holds an active run.
func (g *Guard) TryAcquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[sessionID]; busy {
		return false
	}
	g.active[sessionID] = struct{}{}
	return true
}

// Release frees the session's run slot. Releasing a free session is a no-op.
func (g *Guard) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sessionID)
}

// IsActive reports whether the session currently holds a run.
func (g *Guard) IsActive(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[sessionID]
	return busy
}
