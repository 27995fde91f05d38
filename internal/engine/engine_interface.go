package engine

import (
	"context"

	"github.com/kimhsiao/waypoint/backend/internal/models"
)

// ChangeEngine is the public surface of the engine. It allows callers to
// substitute a fake in their own tests.
type ChangeEngine interface {
	// Propose previews cs against the current document without side effects.
	Propose(ctx context.Context, documentID string, cs *models.ChangeSet) (*models.ProposedResult, error)

	// Apply commits cs atomically. A retried change set with the same
	// idempotency key is applied at most once.
	Apply(ctx context.Context, documentID string, cs *models.ChangeSet) (*models.ApplyResult, error)

	// Undo restores the content of toVersion as a new version.
	Undo(ctx context.Context, documentID string, toVersion int64) (*models.UndoResult, error)

	// History lists the revisions of a document in version order.
	History(ctx context.Context, documentID string) ([]*models.RevisionRecord, error)
}

var _ ChangeEngine = (*Engine)(nil)
