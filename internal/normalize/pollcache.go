package normalize

import "sync"

// pollCache remembers the option names of polls seen this session, keyed
// by the poll message's external id. Vote payloads carry only option-name
// digests; without the original names the indices cannot be recovered.
// Losing the cache on restart means votes for pre-restart polls are
// dropped, which mirrors the upstream behavior.
type pollCache struct {
	mu sync.RWMutex
	m  map[string][]string
}

func newPollCache() *pollCache {
	return &pollCache{m: make(map[string][]string)}
}

func (c *pollCache) put(externalID string, options []string) {
	if externalID == "" || len(options) == 0 {
		return
	}
	c.mu.Lock()
	c.m[externalID] = options
	c.mu.Unlock()
}

func (c *pollCache) get(externalID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	options, ok := c.m[externalID]
	return options, ok
}
