package normalize

import (
	"sync"
	"time"
)

// DefaultGroupMetaWindow is the suppression window for repeated group
// metadata fetches of the same group.
const DefaultGroupMetaWindow = 30 * time.Second

// groupGate deduplicates group metadata forwarding: the same group id is
// suppressed within a fixed window to avoid redundant downstream writes.
type groupGate struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newGroupGate(window time.Duration, now func() time.Time) *groupGate {
	return &groupGate{
		last:   make(map[string]time.Time),
		window: window,
		now:    now,
	}
}

// allow reports whether metadata for the group should be forwarded now,
// and if so opens the suppression window.
func (g *groupGate) allow(groupID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := g.last[groupID]; ok && now.Sub(last) < g.window {
		return false
	}
	g.last[groupID] = now
	return true
}

// reset reopens the gate for a group, used when a permitted fetch failed
// so the next event retries immediately.
func (g *groupGate) reset(groupID string) {
	g.mu.Lock()
	delete(g.last, groupID)
	g.mu.Unlock()
}
