// Package cache is the in-memory tier over the persistent store. It keeps
// two keyed collections (workspace listings and rendered issue artifacts),
// coalesces concurrent fetches per issue key, and serves prior bytes when a
// refresh fails.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/issuefs/issuefs/internal/store"
	"github.com/issuefs/issuefs/internal/tracker"
)

// maxArtifacts caps the artifact map. When exceeded, the entry with the
// oldest cached_at is evicted. Listings are bounded by the configured
// workspace count and are never evicted.
const maxArtifacts = 100_000

// Listing is a workspace's ordered issue references plus sync bookkeeping.
type Listing struct {
	Entries  []tracker.IssueRef
	CachedAt time.Time
	Cursor   time.Time
}

// Artifact is one issue's rendered bytes. Sidecar is nil when all comments
// fit inline.
type Artifact struct {
	Main     []byte
	Sidecar  []byte
	Updated  time.Time
	CachedAt time.Time
}

type Cache struct {
	mu        sync.RWMutex
	listings  map[string]Listing
	artifacts map[string]Artifact

	ttl   time.Duration
	store *store.Store
	now   func() time.Time

	flight      singleflight.Group
	staleServed atomic.Int64
	fetches     atomic.Int64

	log *logrus.Entry
}

// New creates a cache backed by st. The TTL stamps freshness for callers;
// a stale entry is still served (staleness is a refresh signal, never an
// error).
func New(st *store.Store, ttl time.Duration) *Cache {
	return &Cache{
		listings:  make(map[string]Listing),
		artifacts: make(map[string]Artifact),
		ttl:       ttl,
		store:     st,
		now:       time.Now,
		log:       logrus.WithField("component", "cache"),
	}
}

// SetClock overrides the clock (for testing).
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetListing returns the current entries for a workspace regardless of
// freshness.
func (c *Cache) GetListing(workspace string) (Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.listings[workspace]
	return l, ok
}

// Fresh reports whether the listing is inside the TTL window.
func (l Listing) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.CachedAt) <= ttl
}

// SeedListing installs a listing in memory only (warm-start hydrate; the
// data just came from the store).
func (c *Cache) SeedListing(workspace string, entries []tracker.IssueRef, cachedAt, cursor time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[workspace] = Listing{Entries: entries, CachedAt: cachedAt, Cursor: cursor}
}

// PutListing write-throughs a listing: the store row and the memory entry
// update together.
func (c *Cache) PutListing(ctx context.Context, workspace string, entries []tracker.IssueRef, cursor time.Time) error {
	now := c.now()
	if err := c.store.UpsertListing(ctx, workspace, entries, now); err != nil {
		// Store degradation keeps the memory tier serving.
		c.log.WithField("workspace", workspace).Warnf("listing upsert skipped: %v", err)
	}
	c.mu.Lock()
	c.listings[workspace] = Listing{Entries: entries, CachedAt: now, Cursor: cursor}
	c.mu.Unlock()
	return nil
}

// Artifact returns the in-memory artifact for a key.
func (c *Cache) Artifact(key string) (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[key]
	return a, ok
}

// GetOrHydrateArtifact returns the artifact from memory, falling back to a
// single bounded store read. This is the only load path permitted on the
// VFS side.
func (c *Cache) GetOrHydrateArtifact(ctx context.Context, key string) (Artifact, bool) {
	if a, ok := c.Artifact(key); ok {
		return a, true
	}

	stored, err := c.store.GetArtifact(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			c.log.WithField("key", key).Warnf("store read failed: %v", err)
		}
		return Artifact{}, false
	}

	a := Artifact{
		Main:     stored.Markdown,
		Sidecar:  stored.Sidecar,
		Updated:  stored.Updated,
		CachedAt: stored.CachedAt,
	}
	c.mu.Lock()
	c.insertArtifactLocked(key, a)
	c.mu.Unlock()

	if err := c.store.TouchArtifact(ctx, key); err != nil {
		c.log.WithField("key", key).Debugf("touch failed: %v", err)
	}
	return a, true
}

// PutArtifact write-throughs an artifact. A put with an unchanged updated
// stamp only refreshes cached_at; a new updated stamp replaces the bytes.
func (c *Cache) PutArtifact(ctx context.Context, key string, main, sidecar []byte, updated time.Time) error {
	now := c.now()

	c.mu.Lock()
	if existing, ok := c.artifacts[key]; ok && existing.Updated.Equal(updated) {
		existing.CachedAt = now
		c.artifacts[key] = existing
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.store.UpsertArtifact(ctx, key, main, sidecar, updated, now); err != nil {
		c.log.WithField("key", key).Warnf("artifact upsert skipped: %v", err)
	}

	c.mu.Lock()
	c.insertArtifactLocked(key, Artifact{Main: main, Sidecar: sidecar, Updated: updated, CachedAt: now})
	c.mu.Unlock()
	return nil
}

// insertArtifactLocked adds an entry, evicting the oldest cached_at when at
// capacity. Must be called with the write lock held.
func (c *Cache) insertArtifactLocked(key string, a Artifact) {
	if _, exists := c.artifacts[key]; !exists && len(c.artifacts) >= maxArtifacts {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.artifacts {
			if oldestKey == "" || e.CachedAt.Before(oldest) {
				oldestKey = k
				oldest = e.CachedAt
			}
		}
		if oldestKey != "" {
			delete(c.artifacts, oldestKey)
		}
	}
	c.artifacts[key] = a
}

// FetchArtifact runs fetch under the per-key single-flight group: at most
// one fetch is in flight per issue key, and concurrent callers share its
// result. When fetch fails and a prior artifact exists (memory or store),
// the stale bytes are returned with stale=true; with no prior artifact the
// error propagates.
func (c *Cache) FetchArtifact(ctx context.Context, key string, fetch func(ctx context.Context) (Artifact, error)) (a Artifact, stale bool, err error) {
	type result struct {
		artifact Artifact
		stale    bool
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		c.fetches.Add(1)
		fresh, fetchErr := fetch(ctx)
		if fetchErr == nil {
			if putErr := c.PutArtifact(ctx, key, fresh.Main, fresh.Sidecar, fresh.Updated); putErr != nil {
				return nil, putErr
			}
			got, _ := c.Artifact(key)
			return result{artifact: got}, nil
		}

		if prior, ok := c.GetOrHydrateArtifact(ctx, key); ok {
			c.staleServed.Add(1)
			c.log.WithField("key", key).Warnf("serving stale artifact after fetch error: %v", fetchErr)
			return result{artifact: prior, stale: true}, nil
		}
		return nil, fetchErr
	})
	if err != nil {
		return Artifact{}, false, err
	}
	r := v.(result)
	return r.artifact, r.stale, nil
}

// StaleServed returns how many reads were satisfied with stale bytes after
// a failed refresh.
func (c *Cache) StaleServed() int64 {
	return c.staleServed.Load()
}

// Fetches returns how many coalesced fetch executions have run.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}
