package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
)

// Repository stores itineraries, their snapshots and their revision log in
// SQLite. It implements both store.DocumentStore and revision.Log.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use that and close ours
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The database itself is owned
// by the caller.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func dbError(message string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.Wrap(errors.ErrDatabase, message, err)
}

func decodeDocument(data string) (*models.Itinerary, error) {
	var doc models.Itinerary
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "decode itinerary", err)
	}
	return &doc, nil
}

// =====================================================
// Itinerary Operations
// =====================================================

// Get retrieves the current state of an itinerary.
func (r *Repository) Get(ctx context.Context, id string) (*models.Itinerary, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT document FROM itineraries WHERE id = ?`)
	if err != nil {
		return nil, dbError("get itinerary", err)
	}

	var data string
	err = stmt.QueryRowContext(ctx, id).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "itinerary %s not found", id)
	}
	if err != nil {
		return nil, dbError("get itinerary", err)
	}
	return decodeDocument(data)
}

// Put upserts the itinerary and records its snapshot in one transaction.
func (r *Repository) Put(ctx context.Context, doc *models.Itinerary) error {
	if doc == nil || doc.ID == "" {
		return errors.New(errors.ErrValidation, "itinerary id is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode itinerary", err)
	}
	now := time.Now().UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin put", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO itineraries (id, title, version, document, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title, version = excluded.version,
		document = excluded.document, updated_at = excluded.updated_at
	`, doc.ID, doc.Title, doc.Version, string(data), now)
	if err != nil {
		return dbError("put itinerary", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO snapshots (document_id, version, document, created_at)
	VALUES (?, ?, ?, ?)
	`, doc.ID, doc.Version, string(data), now)
	if err != nil {
		return dbError("put snapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return dbError("commit put", err)
	}
	return nil
}

// Delete removes the itinerary with its snapshots and revisions.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin delete", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM itineraries WHERE id = ?`, id)
	if err != nil {
		return dbError("delete itinerary", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return dbError("delete itinerary", err)
	}
	if rows == 0 {
		return errors.Newf(errors.ErrNotFound, "itinerary %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE document_id = ?`, id); err != nil {
		return dbError("delete snapshots", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE document_id = ?`, id); err != nil {
		return dbError("delete revisions", err)
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit delete", err)
	}
	return nil
}

// GetSnapshot returns the itinerary as stored at version.
func (r *Repository) GetSnapshot(ctx context.Context, id string, version int64) (*models.Itinerary, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT document FROM snapshots WHERE document_id = ? AND version = ?`)
	if err != nil {
		return nil, dbError("get snapshot", err)
	}

	var data string
	err = stmt.QueryRowContext(ctx, id, version).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, revision.ErrNoSnapshot(id, version)
	}
	if err != nil {
		return nil, dbError("get snapshot", err)
	}
	return decodeDocument(data)
}

// ItinerarySummary is one row of ListItineraries.
type ItinerarySummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListItineraries returns every stored itinerary, most recently updated
// first.
func (r *Repository) ListItineraries(ctx context.Context, limit, offset int) ([]ItinerarySummary, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT id, title, version, updated_at FROM itineraries
	ORDER BY updated_at DESC, id LIMIT ? OFFSET ?
	`)
	if err != nil {
		return nil, dbError("list itineraries", err)
	}

	rows, err := stmt.QueryContext(ctx, limit, offset)
	if err != nil {
		return nil, dbError("list itineraries", err)
	}
	defer rows.Close()

	var out []ItinerarySummary
	for rows.Next() {
		var s ItinerarySummary
		var updatedAt int64
		if err := rows.Scan(&s.ID, &s.Title, &s.Version, &updatedAt); err != nil {
			return nil, dbError("scan itinerary", err)
		}
		s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, s)
	}
	// Check for errors that occurred during iteration
	if err := rows.Err(); err != nil {
		return nil, dbError("list itineraries", err)
	}
	return out, nil
}

// =====================================================
// Revision Operations
// =====================================================

// SaveRevision appends a revision record and its snapshots in one
// transaction.
func (r *Repository) SaveRevision(ctx context.Context, rec *models.RevisionRecord) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid revision", err)
	}

	var changeSet sql.NullString
	if rec.ChangeSet != nil {
		data, err := json.Marshal(rec.ChangeSet)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "encode change set", err)
		}
		changeSet = sql.NullString{String: string(data), Valid: true}
	}
	diff, err := json.Marshal(rec.Diff)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode diff", err)
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode snapshot", err)
	}
	now := time.Now().UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin revision", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revisions WHERE document_id = ? AND to_version = ?`,
		rec.DocumentID, rec.ToVersion).Scan(&exists)
	if err != nil {
		return dbError("check revision", err)
	}
	if exists > 0 {
		return revision.ErrDuplicate(rec.DocumentID, rec.ToVersion)
	}

	if rec.Base != nil {
		base, err := json.Marshal(rec.Base)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "encode base snapshot", err)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (document_id, version, document, created_at)
		VALUES (?, ?, ?, ?)
		`, rec.DocumentID, rec.FromVersion, string(base), now)
		if err != nil {
			return dbError("save base snapshot", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO snapshots (document_id, version, document, created_at)
	VALUES (?, ?, ?, ?)
	`, rec.DocumentID, rec.ToVersion, string(snapshot), now)
	if err != nil {
		return dbError("save snapshot", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO revisions (id, document_id, from_version, to_version, kind, actor,
		change_set, diff, restored_from, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.DocumentID, rec.FromVersion, rec.ToVersion, string(rec.Kind),
		string(rec.Actor), changeSet, string(diff), rec.RestoredFrom, rec.CreatedAt.UnixMilli())
	if err != nil {
		return dbError("save revision", err)
	}

	if err := tx.Commit(); err != nil {
		return dbError("commit revision", err)
	}
	return nil
}

// GetRevision returns the snapshot at version.
func (r *Repository) GetRevision(ctx context.Context, documentID string, version int64) (*models.Itinerary, error) {
	return r.GetSnapshot(ctx, documentID, version)
}

// GetRevisionHistory returns the records of a document ordered by version.
func (r *Repository) GetRevisionHistory(ctx context.Context, documentID string) ([]*models.RevisionRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT id, document_id, from_version, to_version, kind, actor, change_set,
		diff, restored_from, created_at
	FROM revisions WHERE document_id = ? ORDER BY to_version
	`)
	if err != nil {
		return nil, dbError("get revision history", err)
	}

	rows, err := stmt.QueryContext(ctx, documentID)
	if err != nil {
		return nil, dbError("get revision history", err)
	}
	defer rows.Close()

	records := []*models.RevisionRecord{}
	for rows.Next() {
		var rec models.RevisionRecord
		var kind, actor, diff string
		var changeSet sql.NullString
		var createdAt int64
		err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.FromVersion, &rec.ToVersion,
			&kind, &actor, &changeSet, &diff, &rec.RestoredFrom, &createdAt)
		if err != nil {
			return nil, dbError("scan revision", err)
		}
		rec.Kind = models.RevisionKind(kind)
		rec.Actor = models.Actor(actor)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(diff), &rec.Diff); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "decode diff", err)
		}
		if changeSet.Valid {
			rec.ChangeSet = &models.ChangeSet{}
			if err := json.Unmarshal([]byte(changeSet.String), rec.ChangeSet); err != nil {
				return nil, errors.Wrap(errors.ErrDatabase, "decode change set", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("get revision history", err)
	}
	return records, nil
}

// RollbackRevision removes the newest revision of a document and its
// snapshot.
func (r *Repository) RollbackRevision(ctx context.Context, documentID string, toVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin rollback", err)
	}
	defer tx.Rollback()

	var newest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(to_version) FROM revisions WHERE document_id = ?`, documentID).Scan(&newest)
	if err != nil {
		return dbError("rollback revision", err)
	}
	if !newest.Valid {
		return revision.ErrNoSnapshot(documentID, toVersion)
	}
	if newest.Int64 != toVersion {
		return errors.Newf(errors.ErrValidation, "revision %s@%d is not the newest", documentID, toVersion)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM revisions WHERE document_id = ? AND to_version = ?`, documentID, toVersion); err != nil {
		return dbError("rollback revision", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE document_id = ? AND version = ?`, documentID, toVersion); err != nil {
		return dbError("rollback snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit rollback", err)
	}
	return nil
}

// TouchedSince returns node ids changed between base and current.
func (r *Repository) TouchedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := r.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return revision.Touched(records, documentID, base, current)
}

// RemovedSince returns node ids removed between base and current.
func (r *Repository) RemovedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := r.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return revision.Removed(records, base, current), nil
}
