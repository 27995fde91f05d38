package models

import (
	"fmt"
	"time"
)

// RevisionKind says which engine path produced a revision.
type RevisionKind string

const (
	RevisionApply RevisionKind = "apply"
	RevisionUndo  RevisionKind = "undo"
)

// RevisionRecord is the immutable audit entry of one committed version
// transition.
type RevisionRecord struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	FromVersion int64         `json:"from_version"`
	ToVersion   int64         `json:"to_version"`
	Kind        RevisionKind  `json:"kind"`
	Actor       Actor         `json:"actor,omitempty"`
	ChangeSet   *ChangeSet    `json:"change_set,omitempty"`
	Diff        ItineraryDiff `json:"diff"`
	CreatedAt   time.Time     `json:"created_at"`

	// RestoredFrom is the snapshot version an undo brought back.
	RestoredFrom int64 `json:"restored_from,omitempty"`

	// Snapshot is the document at ToVersion; Base is the document at
	// FromVersion. Logs persist both next to the record and never return them
	// from history queries.
	Snapshot *Itinerary `json:"-"`
	Base     *Itinerary `json:"-"`
}

// Validate checks that the record describes a single forward step and
// carries the snapshot the log must store.
func (r *RevisionRecord) Validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("revision has no document id")
	}
	if r.ToVersion != r.FromVersion+1 {
		return fmt.Errorf("revision must advance exactly one version, got %d -> %d", r.FromVersion, r.ToVersion)
	}
	if r.Kind != RevisionApply && r.Kind != RevisionUndo {
		return fmt.Errorf("unknown revision kind %q", r.Kind)
	}
	if r.Snapshot == nil || r.Snapshot.Version != r.ToVersion || r.Snapshot.ID != r.DocumentID {
		return fmt.Errorf("revision snapshot does not match %s@%d", r.DocumentID, r.ToVersion)
	}
	if r.Base != nil && (r.Base.Version != r.FromVersion || r.Base.ID != r.DocumentID) {
		return fmt.Errorf("revision base does not match %s@%d", r.DocumentID, r.FromVersion)
	}
	return nil
}

// Summary returns a copy without the snapshots attached.
func (r *RevisionRecord) Summary() *RevisionRecord {
	out := *r
	out.Snapshot = nil
	out.Base = nil
	return &out
}
