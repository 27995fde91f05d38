package models

import "time"

// ApplyResult is returned by a committed, no-op or replayed apply.
type ApplyResult struct {
	DocumentID  string        `json:"document_id"`
	FromVersion int64         `json:"from_version"`
	ToVersion   int64         `json:"to_version"`
	Diff        ItineraryDiff `json:"diff"`
	RevisionID  string        `json:"revision_id,omitempty"`
}

// ProposedResult is the side-effect free preview of a change set.
type ProposedResult struct {
	Document       *Itinerary    `json:"document"`
	Diff           ItineraryDiff `json:"diff"`
	PreviewVersion int64         `json:"preview_version"`
}

// UndoResult is returned by an undo.
type UndoResult struct {
	DocumentID   string        `json:"document_id"`
	FromVersion  int64         `json:"from_version"`
	ToVersion    int64         `json:"to_version"`
	RestoredFrom int64         `json:"restored_from"`
	Diff         ItineraryDiff `json:"diff"`
	RevisionID   string        `json:"revision_id,omitempty"`
}

// Operation types recorded with idempotency entries.
const (
	OperationApply = "apply"
)

// IdempotencyRecord caches the result of an apply under its key.
type IdempotencyRecord struct {
	Key           string       `json:"key"`
	Result        *ApplyResult `json:"result"`
	OperationType string       `json:"operation_type"`
	Fingerprint   string       `json:"fingerprint,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// IsExpired reports whether the record is past its expiry at now.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
