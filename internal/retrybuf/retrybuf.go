// Package retrybuf keeps recently sent outbound content addressable by
// message id for a short TTL, so protocol-level resend requests can be
// answered without re-deriving the content. Entries are process-local;
// losing them on restart is acceptable.
package retrybuf

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an entry stays fetchable without being touched.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval is how often expired entries are collected.
const DefaultSweepInterval = time.Minute

type entry struct {
	content   []byte
	expiresAt time.Time
}

// Buffer is a TTL-bounded store of outbound message content keyed by
// external message id. A fetch hit refreshes the TTL: a resend request
// means the content is still needed.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time
	cancel  context.CancelFunc
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(b *Buffer) { b.ttl = ttl }
}

// WithSweepInterval overrides how often the expiry sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Buffer) { b.sweep = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		sweep:   DefaultSweepInterval,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store records content under the given external message id.
func (b *Buffer) Store(id string, content []byte) {
	b.mu.Lock()
	b.entries[id] = entry{content: content, expiresAt: b.now().Add(b.ttl)}
	b.mu.Unlock()
}

// Fetch returns the content for id, or ok=false if it was never stored or
// has expired. A hit slides the expiry deadline forward by one TTL.
func (b *Buffer) Fetch(id string) (content []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	if !b.now().Before(e.expiresAt) {
		delete(b.entries, id)
		return nil, false
	}
	e.expiresAt = b.now().Add(b.ttl)
	b.entries[id] = e
	return e.content, true
}

// Delete removes an entry regardless of expiry.
func (b *Buffer) Delete(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// Len returns the number of live (possibly expired, not yet swept) entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Start launches the periodic expiry sweep.
func (b *Buffer) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(b.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.collect()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep goroutine.
func (b *Buffer) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Buffer) collect() {
	now := b.now()
	b.mu.Lock()
	for id, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, id)
		}
	}
	b.mu.Unlock()
}
