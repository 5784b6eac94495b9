package execution

import "sync"

// InflightGuard admits one execution per fingerprint at a time.
// Completed fingerprints are released immediately; replay protection
// beyond the in-flight window belongs to the proposal store and the
// venue-side idempotency key.
type InflightGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewInflightGuard() *InflightGuard {
	return &InflightGuard{active: make(map[string]struct{})}
}

// Begin claims the fingerprint. The second concurrent claim loses.
func (g *InflightGuard) Begin(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[fingerprint]; ok {
		return false
	}
	g.active[fingerprint] = struct{}{}
	return true
}

func (g *InflightGuard) End(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, fingerprint)
}

// Active returns the number of executions currently in flight.
func (g *InflightGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
