package store

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/kimhsiao/waypoint/backend/internal/models"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
	defaultTTL         = 5 * time.Minute
)

// CacheConfig configures a CachedStore.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

func applyDefaults(config *CacheConfig) *CacheConfig {
	cfg := &CacheConfig{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
		TTL:         defaultTTL,
	}
	if config == nil {
		return cfg
	}
	if config.NumCounters > 0 {
		cfg.NumCounters = config.NumCounters
	}
	if config.MaxCost > 0 {
		cfg.MaxCost = config.MaxCost
	}
	if config.BufferItems > 0 {
		cfg.BufferItems = config.BufferItems
	}
	if config.TTL > 0 {
		cfg.TTL = config.TTL
	}
	return cfg
}

// CachedStore is a read-through cache in front of another DocumentStore.
// Snapshots are immutable and read straight from the backing store.
//
// Each id carries a generation that writes bump. A Get only fills the cache
// if no write happened while it was loading, so a slow reader can never
// re-insert a document that a concurrent Put already replaced.
type CachedStore struct {
	next  DocumentStore
	cache *ristretto.Cache
	ttl   time.Duration

	mu     sync.Mutex
	gen    map[string]uint64
	hits   uint64
	misses uint64
}

// NewCachedStore wraps next with a ristretto cache.
func NewCachedStore(next DocumentStore, config *CacheConfig) (*CachedStore, error) {
	cfg := applyDefaults(config)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}

	return &CachedStore{
		next:  next,
		cache: cache,
		ttl:   cfg.TTL,
		gen:   make(map[string]uint64),
	}, nil
}

// cost approximates the in-memory size of a document.
func cost(doc *models.Itinerary) int64 {
	return 512 + 256*int64(doc.NodeCount())
}

// Get serves from the cache, falling back to the backing store.
func (c *CachedStore) Get(ctx context.Context, id string) (*models.Itinerary, error) {
	if value, found := c.cache.Get(id); found {
		if doc, ok := value.(*models.Itinerary); ok {
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			return doc.Clone(), nil
		}
	}

	c.mu.Lock()
	c.misses++
	gen := c.gen[id]
	c.mu.Unlock()

	doc, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[id] == gen {
		c.cache.SetWithTTL(id, doc.Clone(), cost(doc), c.ttl)
	}
	c.mu.Unlock()
	return doc, nil
}

// Put writes through and replaces the cached copy.
func (c *CachedStore) Put(ctx context.Context, doc *models.Itinerary) error {
	if doc == nil {
		return c.next.Put(ctx, doc)
	}
	if err := c.next.Put(ctx, doc); err != nil {
		c.invalidate(doc.ID)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[doc.ID]++
	c.cache.Del(doc.ID)
	c.cache.SetWithTTL(doc.ID, doc.Clone(), cost(doc), c.ttl)
	c.cache.Wait()
	return nil
}

// Delete removes the document from the backing store and the cache.
func (c *CachedStore) Delete(ctx context.Context, id string) error {
	err := c.next.Delete(ctx, id)
	c.invalidate(id)
	return err
}

// GetSnapshot reads through to the backing store.
func (c *CachedStore) GetSnapshot(ctx context.Context, id string, version int64) (*models.Itinerary, error) {
	return c.next.GetSnapshot(ctx, id, version)
}

func (c *CachedStore) invalidate(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[id]++
	c.cache.Del(id)
	c.cache.Wait()
}

// Stats returns cache hit and miss counts.
func (c *CachedStore) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedStore) Wait() {
	c.cache.Wait()
}

// Close releases the cache. The backing store is not closed.
func (c *CachedStore) Close() {
	c.cache.Close()
}
