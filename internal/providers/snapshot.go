// Package providers resolves which LLM backend serves a turn: the
// integrations snapshot (cached with a TTL behind a single-flight guard),
// the ranking rules that pick a provider and model, and the factory that
// instantiates the concrete client.
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Integration describes one configured provider connection for a user.
type Integration struct {
	// Name is the provider tag: openai, claude, grok, gemini, openai-chatkit.
	Name string

	Connected bool
	Enabled   bool
	Active    bool

	APIKey       string
	BaseURL      string
	DefaultModel string

	SupportsTools bool
}

// Snapshot is the integrations state fetched for one user.
type Snapshot struct {
	Integrations []Integration
	FetchedAt    time.Time
}

// SnapshotSource fetches the live integrations state.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, userContextID string) (*Snapshot, error)
}

// SnapshotCache caches snapshots per user with a TTL. Concurrent misses for
// the same user collapse into one upstream fetch.
type SnapshotCache struct {
	source SnapshotSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Snapshot
	group   singleflight.Group
}

// NewSnapshotCache builds a cache over source. ttl <= 0 defaults to 30s.
func NewSnapshotCache(source SnapshotSource, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SnapshotCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*Snapshot),
	}
}

// Get returns the cached snapshot for the user, refreshing through the
// single-flight group when stale or absent.
func (c *SnapshotCache) Get(ctx context.Context, userContextID string) (*Snapshot, error) {
	c.mu.Lock()
	snap, ok := c.entries[userContextID]
	fresh := ok && c.now().Sub(snap.FetchedAt) <= c.ttl
	c.mu.Unlock()
	if fresh {
		return snap, nil
	}

	v, err, _ := c.group.Do(userContextID, func() (any, error) {
		// Re-check inside the flight: a racing caller may have refreshed.
		c.mu.Lock()
		if cur, ok := c.entries[userContextID]; ok && c.now().Sub(cur.FetchedAt) <= c.ttl {
			c.mu.Unlock()
			return cur, nil
		}
		c.mu.Unlock()

		fetched, err := c.source.FetchSnapshot(ctx, userContextID)
		if err != nil {
			return nil, fmt.Errorf("providers: snapshot fetch: %w", err)
		}
		if fetched.FetchedAt.IsZero() {
			fetched.FetchedAt = c.now()
		}
		c.mu.Lock()
		c.entries[userContextID] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the cached snapshot for a user.
func (c *SnapshotCache) Invalidate(userContextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userContextID)
}
