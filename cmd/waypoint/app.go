package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/waypoint/backend/internal/config"
	"github.com/kimhsiao/waypoint/backend/internal/db"
	"github.com/kimhsiao/waypoint/backend/internal/engine"
	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/idempotency"
	"github.com/kimhsiao/waypoint/backend/internal/lock"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
	"github.com/kimhsiao/waypoint/backend/internal/revision/badgerlog"
	"github.com/kimhsiao/waypoint/backend/internal/scheduler"
	"github.com/kimhsiao/waypoint/backend/internal/store"
	"github.com/kimhsiao/waypoint/backend/internal/telemetry"
)

// itineraryLister is implemented by stores that can enumerate documents.
type itineraryLister interface {
	ListItineraries(ctx context.Context, limit, offset int) ([]db.ItinerarySummary, error)
}

// app holds everything one CLI invocation needs.
type app struct {
	cfg         *config.Config
	store       store.DocumentStore
	lister      itineraryLister
	revisions   revision.Log
	idempotency *idempotency.Cache
	engine      *engine.Engine
	registry    *prometheus.Registry
	metrics     *telemetry.Metrics
	scheduler   *scheduler.Scheduler

	closers []func() error
}

// openApp wires stores, revision log, engine and scheduler from cfg. The
// caller must Close the app.
func openApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var repo *db.Repository
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		database, err := db.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "open database", err)
		}
		a.closers = append(a.closers, database.Close)
		if err := database.Migrate(); err != nil {
			return nil, err
		}
		repo = db.NewRepository(database.DB)
		a.closers = append(a.closers, repo.Close)
		a.store = repo
		a.lister = repo
	default:
		a.store = store.NewMemoryStore()
	}

	if cfg.Storage.Cache.Enabled {
		cached, err := store.NewCachedStore(a.store, &store.CacheConfig{
			MaxCost: cfg.Storage.Cache.MaxCost,
			TTL:     cfg.Storage.Cache.TTL,
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "create document cache", err)
		}
		a.closers = append(a.closers, func() error {
			cached.Close()
			return nil
		})
		a.store = cached
	}

	switch cfg.Revisions.Driver {
	case config.DriverSQLite:
		a.revisions = repo
	case config.DriverBadger:
		badgerLog, err := badgerlog.Open(badgerlog.DefaultConfig(cfg.Revisions.BadgerDir))
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "open revision log", err)
		}
		a.closers = append(a.closers, badgerLog.Close)
		a.revisions = badgerLog
	default:
		a.revisions = revision.NewMemoryLog()
	}

	a.idempotency, err = idempotency.New(idempotency.Config{
		TTL:      cfg.Idempotency.TTL,
		Capacity: cfg.Idempotency.Capacity,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Telemetry.Metrics {
		a.metrics = telemetry.NewMetrics(a.registry)
	}

	var tracer telemetry.Tracer = telemetry.Noop{}
	if cfg.Telemetry.Tracing {
		tp := telemetry.NewTracerProvider()
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(ctx)
		})
		tracer = telemetry.NewOTelTracer(tp)
	}

	a.engine, err = engine.New(engine.Options{
		Store:     a.store,
		Revisions: a.revisions,
		Locks: lock.NewCoordinator(lock.Config{
			AcquireTimeout: cfg.Engine.LockTimeout,
			LeaseTTL:       cfg.Engine.LockLeaseTTL,
		}),
		Idempotency: a.idempotency,
		Tracer:      tracer,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.scheduler = scheduler.NewScheduler(nil)
	if err := a.scheduler.Register(scheduler.IdempotencySweepTask(a.idempotency, a.metrics, cfg.Idempotency.CleanupInterval)); err != nil {
		return nil, err
	}

	logging.Debug("Waypoint initialized", map[string]interface{}{
		"storage":   cfg.Storage.Driver,
		"revisions": cfg.Revisions.Driver,
		"cache":     cfg.Storage.Cache.Enabled,
		"tracing":   cfg.Telemetry.Tracing,
	})
	return a, nil
}

// Close stops the scheduler and releases resources in reverse order of
// acquisition.
func (a *app) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// seed stores doc as a new itinerary. An existing document is only replaced
// when force is set.
func (a *app) seed(ctx context.Context, doc *models.Itinerary, force bool) (*models.Itinerary, error) {
	if doc == nil {
		return nil, errors.New(errors.ErrValidation, "itinerary is required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	if err := doc.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid itinerary", err)
	}

	_, err := a.store.Get(ctx, doc.ID)
	switch {
	case err == nil && !force:
		return nil, errors.Newf(errors.ErrConflict, "itinerary %s already exists", doc.ID)
	case err != nil && !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}

	if err := a.store.Put(ctx, doc); err != nil {
		return nil, err
	}
	logging.Info("Itinerary seeded", map[string]interface{}{"document_id": doc.ID, "version": doc.Version})
	return doc, nil
}

// show returns the current document, or the snapshot of version when it is
// not negative.
func (a *app) show(ctx context.Context, documentID string, version int64) (*models.Itinerary, error) {
	if version < 0 {
		return a.store.Get(ctx, documentID)
	}
	return a.store.GetSnapshot(ctx, documentID, version)
}

func (a *app) list(ctx context.Context, limit, offset int) ([]db.ItinerarySummary, error) {
	if a.lister == nil {
		return nil, errors.Newf(errors.ErrValidation, "listing requires the %s storage driver", config.DriverSQLite)
	}
	return a.lister.ListItineraries(ctx, limit, offset)
}

// sweep runs the idempotency sweep once and returns the scheduler's view of
// it.
func (a *app) sweep(ctx context.Context) (scheduler.TaskStatus, error) {
	if err := a.scheduler.RunNow(ctx, scheduler.TaskIdempotencySweep); err != nil {
		return scheduler.TaskStatus{}, err
	}
	for _, ts := range a.scheduler.GetStatus().Tasks {
		if ts.Name == scheduler.TaskIdempotencySweep {
			return ts, nil
		}
	}
	return scheduler.TaskStatus{}, errors.New(errors.ErrInternal, "sweep task missing from status")
}
