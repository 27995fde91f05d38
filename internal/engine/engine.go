// Package engine orchestrates itinerary edits: validation, idempotency,
// per-document locking, conflict resolution, revision logging and
// persistence.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/waypoint/backend/internal/conflict"
	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/idempotency"
	"github.com/kimhsiao/waypoint/backend/internal/lock"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
	"github.com/kimhsiao/waypoint/backend/internal/store"
	"github.com/kimhsiao/waypoint/backend/internal/telemetry"
	"github.com/kimhsiao/waypoint/backend/internal/uuid"
)

// Operation names used for spans and metrics.
const (
	OpPropose = "propose"
	OpApply   = "apply"
	OpUndo    = "undo"
	OpHistory = "history"
)

// Options wires the engine's collaborators. Store and Revisions are
// required; the rest fall back to defaults.
type Options struct {
	Store       store.DocumentStore
	Revisions   revision.Log
	Locks       *lock.Coordinator
	Idempotency *idempotency.Cache
	Tracer      telemetry.Tracer
	Metrics     *telemetry.Metrics
}

// Engine applies change sets to itineraries. It keeps no document state
// between calls; everything lives in the injected store and log.
type Engine struct {
	store       store.DocumentStore
	revisions   revision.Log
	locks       *lock.Coordinator
	idempotency *idempotency.Cache
	resolver    *conflict.Resolver
	tracer      telemetry.Tracer
	metrics     *telemetry.Metrics

	flights singleflight.Group
	now     func() time.Time
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.ErrValidation, "engine requires a document store")
	}
	if opts.Revisions == nil {
		return nil, errors.New(errors.ErrValidation, "engine requires a revision log")
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewCoordinator(lock.DefaultConfig())
	}
	if opts.Idempotency == nil {
		cache, err := idempotency.New(idempotency.DefaultConfig())
		if err != nil {
			return nil, err
		}
		opts.Idempotency = cache
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Noop{}
	}

	return &Engine{
		store:       opts.Store,
		revisions:   opts.Revisions,
		locks:       opts.Locks,
		idempotency: opts.Idempotency,
		resolver:    conflict.NewResolver(opts.Revisions),
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// observe runs fn inside a span and records its outcome.
func (e *Engine) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := e.tracer.Trace(ctx, "engine."+operation, fn)
	e.metrics.ObserveOperation(operation, err, time.Since(start))
	return err
}

// Propose previews cs. Conflicts are reported exactly as Apply would report
// them, but nothing is locked, written or cached.
func (e *Engine) Propose(ctx context.Context, documentID string, cs *models.ChangeSet) (*models.ProposedResult, error) {
	var result *models.ProposedResult
	err := e.observe(ctx, OpPropose, func(ctx context.Context) error {
		normalized, err := prepare(documentID, cs)
		if err != nil {
			return err
		}
		doc, err := e.store.Get(ctx, documentID)
		if err != nil {
			return err
		}
		next, diff, err := e.compute(ctx, doc, normalized)
		if err != nil {
			return err
		}
		next.Version = doc.Version + 1
		result = &models.ProposedResult{Document: next, Diff: diff, PreviewVersion: doc.Version + 1}
		return nil
	})
	return result, err
}

// flightResult is shared by applies coalesced under one idempotency key.
type flightResult struct {
	result      *models.ApplyResult
	fingerprint string
}

// Apply commits cs. With an idempotency key, a cached result is returned
// without touching the document, and concurrent applies under the same key
// share one commit.
func (e *Engine) Apply(ctx context.Context, documentID string, cs *models.ChangeSet) (*models.ApplyResult, error) {
	var result *models.ApplyResult
	err := e.observe(ctx, OpApply, func(ctx context.Context) error {
		normalized, err := prepare(documentID, cs)
		if err != nil {
			return err
		}
		key := normalized.IdempotencyKey
		if key == "" {
			result, err = e.commit(ctx, documentID, normalized, "")
			return err
		}
		if !idempotency.IsValidIdempotencyKey(key) {
			return errors.Newf(errors.ErrValidation, "invalid idempotency key %q", key)
		}

		fingerprint := normalized.Fingerprint()
		if cached, ok, err := e.replay(documentID, key, fingerprint); ok || err != nil {
			result = cached
			return err
		}

		// the flight outlives any single caller, so it must not inherit one
		// caller's cancellation
		flightCtx := context.WithoutCancel(ctx)
		ch := e.flights.DoChan(documentID+"/"+key, func() (interface{}, error) {
			if cached, ok, err := e.replay(documentID, key, fingerprint); ok || err != nil {
				return &flightResult{result: cached, fingerprint: fingerprint}, err
			}
			committed, err := e.commit(flightCtx, documentID, normalized, fingerprint)
			return &flightResult{result: committed, fingerprint: fingerprint}, err
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.Err != nil {
			return res.Err
		}
		fr := res.Val.(*flightResult)
		if res.Shared && fr.fingerprint != fingerprint {
			return errors.Newf(errors.ErrValidation, "idempotency key %s was used for a different change set", key)
		}
		result = fr.result
		return nil
	})
	return result, err
}

// replay answers from the idempotency cache. ok is false on a miss.
func (e *Engine) replay(documentID, key, fingerprint string) (*models.ApplyResult, bool, error) {
	rec, ok := e.idempotency.GetExistingOperation(key)
	if !ok {
		return nil, false, nil
	}
	if rec.Fingerprint != fingerprint || rec.Result.DocumentID != documentID {
		return nil, false, errors.Newf(errors.ErrValidation, "idempotency key %s was used for a different change set", key)
	}
	e.metrics.IdempotentReplay()
	logging.Debug("Idempotent replay", map[string]interface{}{
		"document_id":     documentID,
		"idempotency_key": key,
		"to_version":      rec.Result.ToVersion,
	})
	return rec.Result, true, nil
}

// commit runs the locked section of Apply.
func (e *Engine) commit(ctx context.Context, documentID string, cs *models.ChangeSet, fingerprint string) (*models.ApplyResult, error) {
	var result *models.ApplyResult
	err := e.locks.WithLock(ctx, documentID, func(ctx context.Context) error {
		doc, err := e.store.Get(ctx, documentID)
		if err != nil {
			return err
		}
		next, diff, err := e.compute(ctx, doc, cs)
		if err != nil {
			return err
		}

		if diff.IsEmpty() {
			logging.Info("Change set produced no changes", map[string]interface{}{
				"document_id": documentID,
				"version":     doc.Version,
			})
			result = &models.ApplyResult{
				DocumentID:  documentID,
				FromVersion: doc.Version,
				ToVersion:   doc.Version,
				Diff:        diff,
			}
			return nil
		}

		next.Version = doc.Version + 1
		next.UpdatedAt = e.now()
		rec := &models.RevisionRecord{
			ID:          uuid.New(),
			DocumentID:  documentID,
			FromVersion: doc.Version,
			ToVersion:   next.Version,
			Kind:        models.RevisionApply,
			Actor:       cs.Actor,
			ChangeSet:   cs,
			Diff:        diff,
			CreatedAt:   next.UpdatedAt,
			Snapshot:    next,
			Base:        doc,
		}
		if err := e.persist(ctx, rec, next); err != nil {
			return err
		}

		result = &models.ApplyResult{
			DocumentID:  documentID,
			FromVersion: doc.Version,
			ToVersion:   next.Version,
			Diff:        diff,
			RevisionID:  rec.ID,
		}
		if cs.IdempotencyKey != "" {
			if _, err := e.idempotency.StoreOperationResult(cs.IdempotencyKey, result, models.OperationApply, fingerprint); err != nil {
				// the commit stands; a retry will apply again
				logging.Error("Failed to cache apply result", err, map[string]interface{}{
					"document_id":     documentID,
					"idempotency_key": cs.IdempotencyKey,
				})
			}
		}

		logging.Info("Change set applied", map[string]interface{}{
			"document_id":  documentID,
			"from_version": result.FromVersion,
			"to_version":   result.ToVersion,
			"added":        len(diff.Added),
			"removed":      len(diff.Removed),
			"updated":      len(diff.Updated),
			"actor":        cs.Actor,
		})
		return nil
	})
	return result, err
}

// compute detects and resolves conflicts, then applies the effective
// operations to a copy of doc.
func (e *Engine) compute(ctx context.Context, doc *models.Itinerary, cs *models.ChangeSet) (*models.Itinerary, models.ItineraryDiff, error) {
	detection, err := e.resolver.DetectConflicts(ctx, doc, cs)
	if err != nil {
		return nil, models.ItineraryDiff{}, err
	}

	ops := cs.Ops
	if detection.HasConflicts() {
		resolution, err := e.resolver.AttemptAutoResolution(ctx, doc, cs, detection)
		if err != nil {
			return nil, models.ItineraryDiff{}, err
		}
		for _, c := range resolution.Resolved {
			e.metrics.ConflictObserved(string(c.Kind), true)
		}
		for _, c := range resolution.Unresolved {
			e.metrics.ConflictObserved(string(c.Kind), false)
		}
		for _, c := range resolution.Missing {
			e.metrics.ConflictObserved(string(c.Kind), false)
		}
		if len(resolution.Missing) > 0 {
			return nil, models.ItineraryDiff{}, errors.Newf(errors.ErrNotFound,
				"%d change set target(s) do not exist in %s", len(resolution.Missing), doc.ID).
				WithDetails(resolution.Missing)
		}
		if !resolution.IsFullyResolved() {
			return nil, models.ItineraryDiff{}, errors.Newf(errors.ErrConflict,
				"%d unresolved conflict(s) on %s", len(resolution.Unresolved), doc.ID).
				WithDetails(resolution.Unresolved)
		}
		ops = resolution.Ops
	}

	next, err := applyOps(doc, cs, ops)
	if err != nil {
		return nil, models.ItineraryDiff{}, err
	}
	if err := next.Validate(); err != nil {
		return nil, models.ItineraryDiff{}, errors.Wrap(errors.ErrValidation, "change set produces an invalid itinerary", err)
	}
	return next, models.ComputeDiff(doc, next), nil
}

// persist writes the revision, then the document. A failed document write
// rolls the revision back so the log never runs ahead of the store.
func (e *Engine) persist(ctx context.Context, rec *models.RevisionRecord, next *models.Itinerary) error {
	if err := e.revisions.SaveRevision(ctx, rec); err != nil {
		return errors.Wrap(errors.ErrRevisionFailed,
			fmt.Sprintf("record revision %s@%d", rec.DocumentID, rec.ToVersion), err)
	}

	if err := e.store.Put(ctx, next); err != nil {
		if rbErr := e.revisions.RollbackRevision(context.WithoutCancel(ctx), rec.DocumentID, rec.ToVersion); rbErr != nil {
			logging.Error("Failed to roll back revision after persist failure", rbErr, map[string]interface{}{
				"document_id": rec.DocumentID,
				"to_version":  rec.ToVersion,
			})
		}
		return errors.Wrap(errors.ErrPersistFailed,
			fmt.Sprintf("persist %s@%d", rec.DocumentID, rec.ToVersion), err)
	}

	e.metrics.VersionCommitted()
	return nil
}

// Undo restores the content stored for toVersion. The restored content is
// committed as a new version, so versions stay monotonic.
func (e *Engine) Undo(ctx context.Context, documentID string, toVersion int64) (*models.UndoResult, error) {
	var result *models.UndoResult
	err := e.observe(ctx, OpUndo, func(ctx context.Context) error {
		if documentID == "" {
			return errors.New(errors.ErrValidation, "document id is required")
		}
		if toVersion < 0 {
			return errors.Newf(errors.ErrValidation, "invalid version %d", toVersion)
		}

		return e.locks.WithLock(ctx, documentID, func(ctx context.Context) error {
			doc, err := e.store.Get(ctx, documentID)
			if err != nil {
				return err
			}
			if toVersion > doc.Version {
				return errors.Newf(errors.ErrNotFound, "%s has no version %d yet", documentID, toVersion)
			}
			snapshot, err := e.snapshot(ctx, documentID, toVersion)
			if err != nil {
				return err
			}

			target := snapshot.Clone()
			target.ID = doc.ID
			diff := models.ComputeDiff(doc, target)
			if target.ContentEqual(doc) {
				result = &models.UndoResult{
					DocumentID:   documentID,
					FromVersion:  doc.Version,
					ToVersion:    doc.Version,
					RestoredFrom: toVersion,
					Diff:         diff,
				}
				return nil
			}

			target.Version = doc.Version + 1
			target.UpdatedAt = e.now()
			rec := &models.RevisionRecord{
				ID:           uuid.New(),
				DocumentID:   documentID,
				FromVersion:  doc.Version,
				ToVersion:    target.Version,
				Kind:         models.RevisionUndo,
				Actor:        models.ActorUser,
				Diff:         diff,
				CreatedAt:    target.UpdatedAt,
				RestoredFrom: toVersion,
				Snapshot:     target,
				Base:         doc,
			}
			if err := e.persist(ctx, rec, target); err != nil {
				return err
			}

			result = &models.UndoResult{
				DocumentID:   documentID,
				FromVersion:  doc.Version,
				ToVersion:    target.Version,
				RestoredFrom: toVersion,
				Diff:         diff,
				RevisionID:   rec.ID,
			}
			logging.Info("Undo applied", map[string]interface{}{
				"document_id":   documentID,
				"from_version":  result.FromVersion,
				"to_version":    result.ToVersion,
				"restored_from": toVersion,
			})
			return nil
		})
	})
	return result, err
}

// snapshot looks in the revision log first and falls back to the store's
// own snapshots, which cover versions written before any revision existed.
func (e *Engine) snapshot(ctx context.Context, documentID string, version int64) (*models.Itinerary, error) {
	snap, err := e.revisions.GetRevision(ctx, documentID, version)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	snap, err = e.store.GetSnapshot(ctx, documentID, version)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Newf(errors.ErrNotFound, "no snapshot of %s at version %d", documentID, version)
		}
		return nil, err
	}
	return snap, nil
}

// History lists the revisions of an existing document.
func (e *Engine) History(ctx context.Context, documentID string) ([]*models.RevisionRecord, error) {
	var records []*models.RevisionRecord
	err := e.observe(ctx, OpHistory, func(ctx context.Context) error {
		if _, err := e.store.Get(ctx, documentID); err != nil {
			return err
		}
		var err error
		records, err = e.revisions.GetRevisionHistory(ctx, documentID)
		return err
	})
	return records, err
}

// prepare normalizes and validates a change set before any lock is taken.
func prepare(documentID string, cs *models.ChangeSet) (*models.ChangeSet, error) {
	if documentID == "" {
		return nil, errors.New(errors.ErrValidation, "document id is required")
	}
	if cs == nil {
		return nil, errors.New(errors.ErrValidation, "change set is required")
	}
	normalized := cs.Normalized()
	if err := normalized.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid change set", err)
	}
	return normalized, nil
}
