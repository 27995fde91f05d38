// Package revision provides the append-only log of committed itinerary
// revisions and the snapshots that make them revertible.
package revision

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

// Log records one entry per committed version transition together with the
// full document at that version.
type Log interface {
	// SaveRevision appends rec and stores rec.Snapshot (and rec.Base when the
	// log has no snapshot for FromVersion yet) in one atomic write. A second
	// record for the same document and ToVersion is rejected with CONFLICT.
	SaveRevision(ctx context.Context, rec *models.RevisionRecord) error

	// GetRevision returns the snapshot stored for version, or NOT_FOUND.
	GetRevision(ctx context.Context, documentID string, version int64) (*models.Itinerary, error)

	// GetRevisionHistory returns the records of a document ordered by
	// ToVersion. Snapshots are not attached.
	GetRevisionHistory(ctx context.Context, documentID string) ([]*models.RevisionRecord, error)

	// RollbackRevision removes the latest record of a document and its
	// ToVersion snapshot. It is only used to undo a revision whose document
	// write failed, and refuses to remove anything but the newest record.
	RollbackRevision(ctx context.Context, documentID string, toVersion int64) error

	// TouchedSince returns the ids of every node changed between version base
	// and version current. It fails with NOT_FOUND when the log does not hold
	// an unbroken chain of records between the two.
	TouchedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error)

	// RemovedSince returns the ids of every node a record between version
	// base and version current removed. Gaps in the chain are skipped.
	RemovedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error)
}

// ErrDuplicate builds the error returned for a second record at the same
// version.
func ErrDuplicate(documentID string, toVersion int64) error {
	return errors.Newf(errors.ErrConflict, "revision %s@%d already exists", documentID, toVersion)
}

// ErrNoSnapshot builds the error returned for an unknown version.
func ErrNoSnapshot(documentID string, version int64) error {
	return errors.Newf(errors.ErrNotFound, "no revision of %s at version %d", documentID, version)
}

// Touched folds the diffs of the records that lead from version base to
// version current into a set of node ids. Records must be ordered by
// ToVersion. When they do not form an unbroken chain from base to current the
// history is incomplete and NOT_FOUND is returned.
func Touched(records []*models.RevisionRecord, documentID string, base, current int64) (map[string]bool, error) {
	touched := make(map[string]bool)
	next := base
	for _, rec := range records {
		if rec.FromVersion < base || rec.ToVersion > current {
			continue
		}
		if rec.FromVersion != next {
			break
		}
		next = rec.ToVersion
		for _, id := range rec.Diff.NodeIDs() {
			touched[id] = true
		}
	}
	if next != current {
		return nil, errors.Newf(errors.ErrNotFound, "history of %s from version %d to %d is incomplete", documentID, base, current)
	}
	return touched, nil
}

// Removed collects the node ids removed by records inside [base, current].
// Unlike Touched it does not need an unbroken chain: a removal on record is
// proof on its own.
func Removed(records []*models.RevisionRecord, base, current int64) map[string]bool {
	removed := make(map[string]bool)
	for _, rec := range records {
		if rec.FromVersion < base || rec.ToVersion > current {
			continue
		}
		for _, id := range rec.Diff.Removed {
			removed[id] = true
		}
	}
	return removed
}

type memoryDoc struct {
	records   []*models.RevisionRecord
	snapshots map[int64]*models.Itinerary
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string]*memoryDoc)}
}

// SaveRevision appends a record and its snapshots.
func (l *MemoryLog) SaveRevision(ctx context.Context, rec *models.RevisionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid revision", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.docs[rec.DocumentID]
	if doc == nil {
		doc = &memoryDoc{snapshots: make(map[int64]*models.Itinerary)}
		l.docs[rec.DocumentID] = doc
	}
	for _, existing := range doc.records {
		if existing.ToVersion == rec.ToVersion {
			return ErrDuplicate(rec.DocumentID, rec.ToVersion)
		}
	}

	if rec.Base != nil {
		if _, ok := doc.snapshots[rec.FromVersion]; !ok {
			doc.snapshots[rec.FromVersion] = rec.Base.Clone()
		}
	}
	doc.snapshots[rec.ToVersion] = rec.Snapshot.Clone()
	doc.records = append(doc.records, rec.Summary())
	sort.Slice(doc.records, func(i, j int) bool {
		return doc.records[i].ToVersion < doc.records[j].ToVersion
	})
	return nil
}

// GetRevision returns a copy of the snapshot at version.
func (l *MemoryLog) GetRevision(ctx context.Context, documentID string, version int64) (*models.Itinerary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	doc := l.docs[documentID]
	if doc == nil {
		return nil, ErrNoSnapshot(documentID, version)
	}
	snap, ok := doc.snapshots[version]
	if !ok {
		return nil, ErrNoSnapshot(documentID, version)
	}
	return snap.Clone(), nil
}

// GetRevisionHistory returns copies of the records in version order.
func (l *MemoryLog) GetRevisionHistory(ctx context.Context, documentID string) ([]*models.RevisionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	doc := l.docs[documentID]
	if doc == nil {
		return []*models.RevisionRecord{}, nil
	}
	out := make([]*models.RevisionRecord, 0, len(doc.records))
	for _, rec := range doc.records {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// RollbackRevision drops the newest record if it is at toVersion.
func (l *MemoryLog) RollbackRevision(ctx context.Context, documentID string, toVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.docs[documentID]
	if doc == nil || len(doc.records) == 0 {
		return ErrNoSnapshot(documentID, toVersion)
	}
	last := doc.records[len(doc.records)-1]
	if last.ToVersion != toVersion {
		return errors.Newf(errors.ErrValidation, "revision %s@%d is not the newest", documentID, toVersion)
	}
	doc.records = doc.records[:len(doc.records)-1]
	delete(doc.snapshots, toVersion)
	return nil
}

// TouchedSince returns node ids changed between base and current.
func (l *MemoryLog) TouchedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := l.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return Touched(records, documentID, base, current)
}

// RemovedSince returns node ids removed between base and current.
func (l *MemoryLog) RemovedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := l.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return Removed(records, base, current), nil
}
