// Package idempotency remembers the results of applied change sets so that a
// retried submission is answered from the cache instead of being applied again.
package idempotency

import (
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultCapacity = 10000

	minKeyLength = 8
	maxKeyLength = 128
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// IsValidIdempotencyKey reports whether key is syntactically acceptable. It
// says nothing about whether the key was seen before.
func IsValidIdempotencyKey(key string) bool {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return false
	}
	return keyPattern.MatchString(key)
}

// Config holds cache settings.
type Config struct {
	TTL      time.Duration
	Capacity int
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Capacity: DefaultCapacity}
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
}

// Cache is a bounded LRU of idempotency records with per-entry expiry.
// Expired entries are invisible to lookups and are reclaimed by
// CleanupExpiredRecords or by LRU eviction, whichever comes first.
type Cache struct {
	records *lru.Cache[string, *models.IdempotencyRecord]
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache.
func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()
	records, err := lru.New[string, *models.IdempotencyRecord](cfg.Capacity)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "create idempotency cache", err)
	}
	return &Cache{records: records, ttl: cfg.TTL, now: time.Now}, nil
}

// GetExistingOperation returns the live record stored under key.
func (c *Cache) GetExistingOperation(key string) (*models.IdempotencyRecord, bool) {
	rec, ok := c.records.Get(key)
	if !ok || rec.IsExpired(c.now()) {
		return nil, false
	}
	return cloneRecord(rec), true
}

// StoreOperationResult caches result under key. An optional ttl overrides the
// cache default.
func (c *Cache) StoreOperationResult(key string, result *models.ApplyResult, operationType, fingerprint string, ttl ...time.Duration) (*models.IdempotencyRecord, error) {
	if !IsValidIdempotencyKey(key) {
		return nil, errors.Newf(errors.ErrValidation, "invalid idempotency key %q", key)
	}
	if result == nil {
		return nil, errors.New(errors.ErrValidation, "idempotency result is required")
	}

	expiry := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		expiry = ttl[0]
	}
	now := c.now()
	rec := &models.IdempotencyRecord{
		Key:           key,
		Result:        cloneResult(result),
		OperationType: operationType,
		Fingerprint:   fingerprint,
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiry),
	}
	c.records.Add(key, rec)
	return cloneRecord(rec), nil
}

// CleanupExpiredRecords evicts every expired record and returns how many were
// removed.
func (c *Cache) CleanupExpiredRecords() int {
	now := c.now()
	removed := 0
	for _, key := range c.records.Keys() {
		rec, ok := c.records.Peek(key)
		if !ok || !rec.IsExpired(now) {
			continue
		}
		if c.records.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		logging.Debug("Expired idempotency records removed", map[string]interface{}{
			"removed":   removed,
			"remaining": c.records.Len(),
		})
	}
	return removed
}

// Len returns the number of records held, expired or not.
func (c *Cache) Len() int {
	return c.records.Len()
}

func cloneRecord(rec *models.IdempotencyRecord) *models.IdempotencyRecord {
	out := *rec
	out.Result = cloneResult(rec.Result)
	return &out
}

func cloneResult(r *models.ApplyResult) *models.ApplyResult {
	out := *r
	out.Diff = models.ItineraryDiff{
		Added:   append([]string{}, r.Diff.Added...),
		Removed: append([]string{}, r.Diff.Removed...),
		Updated: append([]string{}, r.Diff.Updated...),
	}
	return &out
}
