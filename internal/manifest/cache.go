package manifest

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/matzegebbe/k8s-tolerable/pkg/metrics"
)

const (
	DefaultCacheTTL        = 12 * time.Hour
	DefaultFailureCacheTTL = 5 * time.Minute
)

// Cache memoizes resolutions by raw image string. Successful entries live
// for ttl (forever when ttl <= 0); failures live for failureTTL and are not
// cached at all when failureTTL <= 0.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	group      singleflight.Group
	ttl        time.Duration
	failureTTL time.Duration
	now        func() time.Time
}

type cacheEntry struct {
	archs    ArchitectureSet
	err      error
	storedAt time.Time
	expires  time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// CacheEntry is the externally visible form of a cached resolution.
type CacheEntry struct {
	Image         string     `json:"image"`
	Architectures []string   `json:"architectures,omitempty"`
	Error         string     `json:"error,omitempty"`
	Stage         Stage      `json:"stage,omitempty"`
	StoredAt      time.Time  `json:"storedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func NewCache(ttl, failureTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		failureTTL: failureTTL,
		now:        time.Now,
	}
}

// Get returns the cached result for key or computes it. Concurrent callers
// for the same key share one computation.
func (c *Cache) Get(key string, compute func() (ArchitectureSet, error)) (ArchitectureSet, error) {
	if entry, ok := c.lookup(key); ok {
		metrics.RecordCacheLookup("hit")
		return slices.Clone(entry.archs), entry.err
	}
	metrics.RecordCacheLookup("miss")

	v, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.lookup(key); ok {
			return entry.archs, entry.err
		}
		archs, err := compute()
		c.store(key, archs, err)
		return archs, err
	})
	archs, _ := v.(ArchitectureSet)
	return slices.Clone(archs), err
}

func (c *Cache) lookup(key string) (cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return cacheEntry{}, false
	}
	if entry.expired(c.now()) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expired(c.now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) store(key string, archs ArchitectureSet, err error) {
	now := c.now()
	entry := cacheEntry{archs: archs, err: err, storedAt: now}
	switch {
	case err == nil:
		if c.ttl > 0 {
			entry.expires = now.Add(c.ttl)
		}
	case c.failureTTL <= 0 || errors.Is(err, context.Canceled):
		return
	default:
		entry.expires = now.Add(c.failureTTL)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Evict removes a single entry and reports whether it existed.
func (c *Cache) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// EvictPrefix removes every entry whose key starts with prefix and returns
// the removed keys in sorted order.
func (c *Cache) EvictPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// Reset drops all entries and returns the removed keys in sorted order.
func (c *Cache) Reset() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := make([]string, 0, len(c.entries))
	for key := range c.entries {
		removed = append(removed, key)
	}
	c.entries = make(map[string]cacheEntry)
	sort.Strings(removed)
	return removed
}

// ResetCooldown drops cached failures so the next request retries the
// registry. cooldownEnabled reports whether failures are cached at all.
func (c *Cache) ResetCooldown() (cleared int, cooldownEnabled bool) {
	if c.failureTTL <= 0 {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.err != nil {
			delete(c.entries, key)
			cleared++
		}
	}
	return cleared, true
}

// Entries returns a snapshot of the live entries sorted by image.
func (c *Cache) Entries() []CacheEntry {
	now := c.now()

	c.mu.RLock()
	out := make([]CacheEntry, 0, len(c.entries))
	for key, entry := range c.entries {
		if entry.expired(now) {
			continue
		}
		item := CacheEntry{
			Image:         key,
			Architectures: slices.Clone([]string(entry.archs)),
			StoredAt:      entry.storedAt,
		}
		if entry.err != nil {
			item.Error = entry.err.Error()
			item.Stage, _ = StageOf(entry.err)
		}
		if !entry.expires.IsZero() {
			expires := entry.expires
			item.ExpiresAt = &expires
		}
		out = append(out, item)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
