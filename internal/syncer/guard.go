package syncer

import (
	"sync"

	"concord/internal/gateway"
)

// Guard tracks users whose state is currently being written by the engine
// itself. Change notifications for owned users are self-caused echoes and
// must be discarded, otherwise the engine would treat its own role and ban
// writes as fresh divergences and re-converge forever.
type Guard struct {
	mu    sync.Mutex
	owned map[gateway.UserID]struct{}
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{owned: make(map[gateway.UserID]struct{})}
}

// Begin marks a user as engine-owned.
func (g *Guard) Begin(user gateway.UserID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.owned[user] = struct{}{}
}

// End clears ownership. Callers must defer End so ownership is never left
// set on error paths.
func (g *Guard) End(user gateway.UserID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.owned, user)
}

// Owned reports whether a user is currently engine-owned.
func (g *Guard) Owned(user gateway.UserID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owned[user]
	return ok
}
