// Package lock serializes edits to a document through short-lived,
// per-document leases.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
)

const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultLeaseTTL       = 30 * time.Second
)

// Lease is an exclusive claim on one document. ExpiresAt is advisory: a lease
// held past it stays valid until released, but the overrun is logged.
type Lease struct {
	ID         string
	DocumentID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Config holds coordinator settings.
type Config struct {
	AcquireTimeout time.Duration
	LeaseTTL       time.Duration
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{AcquireTimeout: DefaultAcquireTimeout, LeaseTTL: DefaultLeaseTTL}
}

func (c *Config) applyDefaults() {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// entry is the lock state of one document. refs counts the holder and every
// waiter; the entry is dropped when it reaches zero.
type entry struct {
	sem   *semaphore.Weighted
	refs  int
	lease *Lease
}

// Coordinator hands out per-document leases. Documents never contend with
// each other.
type Coordinator struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// AcquireLock waits up to the acquire timeout for the document's lease. A
// timeout fails with BUSY; a cancelled ctx returns the context error.
func (c *Coordinator) AcquireLock(ctx context.Context, documentID string) (*Lease, error) {
	if documentID == "" {
		return nil, errors.New(errors.ErrValidation, "document id is required")
	}

	c.mu.Lock()
	e, ok := c.entries[documentID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		c.entries[documentID] = e
	}
	e.refs++
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		c.mu.Lock()
		c.unref(documentID, e)
		c.mu.Unlock()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warn("Lock acquisition timed out", map[string]interface{}{
			"document_id": documentID,
			"timeout":     c.cfg.AcquireTimeout.String(),
		})
		return nil, errors.Newf(errors.ErrBusy, "document %s is busy", documentID)
	}

	now := c.now()
	lease := &Lease{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(c.cfg.LeaseTTL),
	}
	c.mu.Lock()
	e.lease = lease
	c.mu.Unlock()
	return lease, nil
}

// ReleaseLock gives the lease back. It returns false when lease is not the
// document's current lease.
func (c *Coordinator) ReleaseLock(documentID string, lease *Lease) bool {
	if lease == nil {
		return false
	}

	c.mu.Lock()
	e, ok := c.entries[documentID]
	if !ok || e.lease == nil || e.lease.ID != lease.ID {
		c.mu.Unlock()
		return false
	}
	e.lease = nil
	c.unref(documentID, e)
	e.sem.Release(1)
	c.mu.Unlock()

	if held := c.now().Sub(lease.AcquiredAt); held > c.cfg.LeaseTTL {
		logging.Warn("Lease held past its TTL", map[string]interface{}{
			"document_id": documentID,
			"held":        held.String(),
			"ttl":         c.cfg.LeaseTTL.String(),
		})
	}
	return true
}

// IsLocked reports whether the document is held. The semaphore is consulted
// as well as the lease, since a winner owns it before its lease is recorded.
func (c *Coordinator) IsLocked(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[documentID]
	if !ok {
		return false
	}
	if e.lease != nil {
		return true
	}
	if !e.sem.TryAcquire(1) {
		return true
	}
	e.sem.Release(1)
	return false
}

// WithLock runs fn while holding the document's lease. The lease is released
// on every path out of fn, panics included.
func (c *Coordinator) WithLock(ctx context.Context, documentID string, fn func(ctx context.Context) error) error {
	lease, err := c.AcquireLock(ctx, documentID)
	if err != nil {
		return err
	}
	defer c.ReleaseLock(documentID, lease)
	return fn(ctx)
}

// Len returns the number of documents with a holder or waiter.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// unref must be called with c.mu held.
func (c *Coordinator) unref(documentID string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(c.entries, documentID)
	}
}
