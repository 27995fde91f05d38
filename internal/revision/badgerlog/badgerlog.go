// Package badgerlog provides a revision.Log stored in BadgerDB.
//
// Keys are laid out so that a prefix scan returns the records of one
// document in version order:
//
//	rev/<hex document id>/<20 digit to-version>   record JSON
//	snap/<hex document id>/<20 digit version>     snapshot JSON
package badgerlog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/revision"
)

// Config holds configuration for the Badger-backed log.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Verbose forwards badger's own log output.
	Verbose bool
}

// DefaultConfig returns a durable configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts the structured logger to BadgerDB's Logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error("badger", fmt.Errorf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn("badger", map[string]interface{}{"detail": fmt.Sprintf(format, args...)})
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug("badger", map[string]interface{}{"detail": fmt.Sprintf(format, args...)})
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug("badger", map[string]interface{}{"detail": fmt.Sprintf(format, args...)})
}

// Log is a revision.Log over BadgerDB.
type Log struct {
	db *badger.DB
}

var _ revision.Log = (*Log)(nil)

// Open opens or creates the log.
func Open(cfg Config) (*Log, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, stderrors.New("path is required for persistent revision log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create revision log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Verbose {
		opts = opts.WithLogger(badgerLogger{})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger revision log: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func docPrefix(kind, documentID string) []byte {
	return []byte(kind + "/" + hex.EncodeToString([]byte(documentID)) + "/")
}

func versionKey(kind, documentID string, version int64) []byte {
	return append(docPrefix(kind, documentID), []byte(fmt.Sprintf("%020d", version))...)
}

func wrapDB(message string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, badger.ErrConflict) {
		return errors.Wrap(errors.ErrConflict, message, err)
	}
	return errors.Wrap(errors.ErrDatabase, message, err)
}

// SaveRevision writes the record and its snapshots in one transaction.
func (l *Log) SaveRevision(ctx context.Context, rec *models.RevisionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid revision", err)
	}

	recData, err := json.Marshal(rec.Summary())
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode revision", err)
	}
	snapData, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode snapshot", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		recKey := versionKey("rev", rec.DocumentID, rec.ToVersion)
		if _, err := txn.Get(recKey); err == nil {
			return revision.ErrDuplicate(rec.DocumentID, rec.ToVersion)
		} else if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if rec.Base != nil {
			baseKey := versionKey("snap", rec.DocumentID, rec.FromVersion)
			if _, err := txn.Get(baseKey); stderrors.Is(err, badger.ErrKeyNotFound) {
				baseData, err := json.Marshal(rec.Base)
				if err != nil {
					return err
				}
				if err := txn.Set(baseKey, baseData); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}

		if err := txn.Set(versionKey("snap", rec.DocumentID, rec.ToVersion), snapData); err != nil {
			return err
		}
		return txn.Set(recKey, recData)
	})
	if err != nil {
		return wrapDB("save revision", err)
	}
	return nil
}

// GetRevision returns the snapshot at version.
func (l *Log) GetRevision(ctx context.Context, documentID string, version int64) (*models.Itinerary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey("snap", documentID, version))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, revision.ErrNoSnapshot(documentID, version)
	}
	if err != nil {
		return nil, wrapDB("get revision", err)
	}

	var doc models.Itinerary
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "decode snapshot", err)
	}
	return &doc, nil
}

// GetRevisionHistory scans the document's records in key order.
func (l *Log) GetRevisionHistory(ctx context.Context, documentID string) ([]*models.RevisionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := []*models.RevisionRecord{}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = docPrefix("rev", documentID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec models.RevisionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapDB("get revision history", err)
	}
	return records, nil
}

// RollbackRevision removes the newest record and its snapshot.
func (l *Log) RollbackRevision(ctx context.Context, documentID string, toVersion int64) error {
	records, err := l.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return revision.ErrNoSnapshot(documentID, toVersion)
	}
	if records[len(records)-1].ToVersion != toVersion {
		return errors.Newf(errors.ErrValidation, "revision %s@%d is not the newest", documentID, toVersion)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(versionKey("rev", documentID, toVersion)); err != nil {
			return err
		}
		return txn.Delete(versionKey("snap", documentID, toVersion))
	})
	if err != nil {
		return wrapDB("rollback revision", err)
	}
	return nil
}

// TouchedSince returns node ids changed between base and current.
func (l *Log) TouchedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := l.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return revision.Touched(records, documentID, base, current)
}

// RemovedSince returns node ids removed between base and current.
func (l *Log) RemovedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error) {
	records, err := l.GetRevisionHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return revision.Removed(records, base, current), nil
}
