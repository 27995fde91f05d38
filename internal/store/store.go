// Package store provides itinerary document stores for the change engine.
//
// The engine only sees the DocumentStore interface. MemoryStore backs tests
// and the default CLI profile, db.Repository persists to SQLite, and
// CachedStore decorates either with a read-through cache.
package store

import (
	"context"
	"sync"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

// DocumentStore persists the current state of itineraries and the snapshot of
// every version that was put.
type DocumentStore interface {
	// Get returns the current document or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*models.Itinerary, error)

	// Put stores doc as the current state and records it as the snapshot of
	// doc.Version.
	Put(ctx context.Context, doc *models.Itinerary) error

	// Delete removes the document and its snapshots.
	Delete(ctx context.Context, id string) error

	// GetSnapshot returns the document as it was at version, or NOT_FOUND.
	GetSnapshot(ctx context.Context, id string, version int64) (*models.Itinerary, error)
}

// MemoryStore is an in-process DocumentStore. Values are cloned on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	current   map[string]*models.Itinerary
	snapshots map[string]map[int64]*models.Itinerary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current:   make(map[string]*models.Itinerary),
		snapshots: make(map[string]map[int64]*models.Itinerary),
	}
}

// Get returns a copy of the current document.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Itinerary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.current[id]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "itinerary %s not found", id)
	}
	return doc.Clone(), nil
}

// Put stores a copy of doc.
func (s *MemoryStore) Put(ctx context.Context, doc *models.Itinerary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil || doc.ID == "" {
		return errors.New(errors.ErrValidation, "itinerary id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := doc.Clone()
	s.current[doc.ID] = stored
	if s.snapshots[doc.ID] == nil {
		s.snapshots[doc.ID] = make(map[int64]*models.Itinerary)
	}
	s.snapshots[doc.ID][doc.Version] = stored.Clone()
	return nil
}

// Delete removes a document. Deleting an unknown id is a NOT_FOUND error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.current[id]; !ok {
		return errors.Newf(errors.ErrNotFound, "itinerary %s not found", id)
	}
	delete(s.current, id)
	delete(s.snapshots, id)
	return nil
}

// GetSnapshot returns a copy of the document at version.
func (s *MemoryStore) GetSnapshot(ctx context.Context, id string, version int64) (*models.Itinerary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id][version]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "itinerary %s has no snapshot for version %d", id, version)
	}
	return snap.Clone(), nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}
