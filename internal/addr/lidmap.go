package addr

import "sync"

// LIDMap is a best-effort in-memory map from anonymized LID user ids to
// stable direct addresses, learned opportunistically from hints the
// network attaches to events. It is advisory: unresolved ids pass through
// unchanged and callers must tolerate that. The map is rebuilt from
// scratch on restart with no correctness loss.
type LIDMap struct {
	mu sync.RWMutex
	m  map[string]Address
}

// NewLIDMap creates an empty map.
func NewLIDMap() *LIDMap {
	return &LIDMap{m: make(map[string]Address)}
}

// Learn records that the LID user id resolves to the given direct address.
// Later hints overwrite earlier ones.
func (l *LIDMap) Learn(lidUser string, resolved Address) {
	if lidUser == "" || resolved.IsAnonymized() {
		return
	}
	l.mu.Lock()
	l.m[lidUser] = resolved
	l.mu.Unlock()
}

// Resolve maps an anonymized address back to its stable form. Addresses
// that are not anonymized, or that have no learned mapping, are returned
// unchanged.
func (l *LIDMap) Resolve(a Address) Address {
	if !a.IsAnonymized() {
		return a
	}
	l.mu.RLock()
	resolved, ok := l.m[a.User]
	l.mu.RUnlock()
	if !ok {
		return a
	}
	return resolved
}

// Len returns the number of learned mappings.
func (l *LIDMap) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}
