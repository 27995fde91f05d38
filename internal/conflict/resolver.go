// Package conflict detects change operations that cannot be applied safely to
// the current itinerary and reconciles the ones a bounded set of heuristics
// can decide.
package conflict

import (
	"context"
	"fmt"

	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

// Kind classifies a conflict.
type Kind string

const (
	KindTargetMissing          Kind = "target_missing"
	KindAnchorMissing          Kind = "anchor_missing"
	KindStaleBase              Kind = "stale_base"
	KindConcurrentModification Kind = "concurrent_modification"
	KindLockedNode             Kind = "locked_node"
	KindDuplicateID            Kind = "duplicate_id"
)

// Strategies recorded on resolved conflicts.
const (
	StrategyAlreadyRemoved = "already_removed"
	StrategyUntouched      = "untouched_since_base"
	StrategyUserFirst      = "user_first"
)

// Conflict is one operation that cannot be applied unambiguously.
type Conflict struct {
	OpIndex int           `json:"op_index"`
	Op      models.OpType `json:"op"`
	NodeID  string        `json:"node_id,omitempty"`
	Kind    Kind          `json:"kind"`
	Reason  string        `json:"reason"`

	// outOfScope marks a target or anchor that exists, but outside the day
	// the operation is allowed to edit.
	outOfScope bool
	// baseAhead marks a base version newer than the document.
	baseAhead bool
}

// DetectionResult lists every conflict found for a change set.
type DetectionResult struct {
	Conflicts      []Conflict `json:"conflicts"`
	CurrentVersion int64      `json:"current_version"`
	BaseVersion    *int64     `json:"base_version,omitempty"`
}

// HasConflicts reports whether anything was flagged.
func (d *DetectionResult) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// Resolution is a conflict the heuristics settled.
type Resolution struct {
	Conflict
	Strategy string `json:"strategy"`
}

// ResolutionResult is the outcome of AttemptAutoResolution. Ops is the
// effective operation list once resolved no-ops are dropped. Missing holds
// the unresolved target and anchor conflicts whose node the history has no
// record of ever removing.
type ResolutionResult struct {
	Resolved   []Resolution             `json:"resolved"`
	Unresolved []Conflict               `json:"unresolved"`
	Missing    []Conflict               `json:"missing"`
	Ops        []models.ChangeOperation `json:"-"`
}

// IsFullyResolved reports whether every conflict was reconciled.
func (r *ResolutionResult) IsFullyResolved() bool {
	return len(r.Unresolved) == 0 && len(r.Missing) == 0
}

// ChangeHistory reports which nodes committed revisions touched, and which
// they removed, between two versions of a document.
type ChangeHistory interface {
	TouchedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error)
	RemovedSince(ctx context.Context, documentID string, base, current int64) (map[string]bool, error)
}

// Resolver detects and reconciles conflicts. It holds no per-document state.
type Resolver struct {
	history ChangeHistory
}

// NewResolver creates a Resolver. Without a history every node counts as
// touched whenever the base version is stale.
func NewResolver(history ChangeHistory) *Resolver {
	return &Resolver{history: history}
}

// DetectConflicts checks every operation of cs against doc. Operations are
// replayed in order, so an insert can anchor on a node inserted earlier in
// the same set and a node removed earlier is gone for later operations.
// cs must be normalized. The error is non-nil only when ctx is done.
func (r *Resolver) DetectConflicts(ctx context.Context, doc *models.Itinerary, cs *models.ChangeSet) (*DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &DetectionResult{
		Conflicts:      []Conflict{},
		CurrentVersion: doc.Version,
		BaseVersion:    cs.BaseVersion,
	}

	// day of every live node as the operations are replayed
	live := make(map[string]int, doc.NodeCount())
	locked := make(map[string]bool)
	for id, ref := range doc.NodeIndex() {
		live[id] = ref.Day.Number
		locked[id] = ref.Node.Locked
	}

	structural := make(map[int]bool)
	flag := func(c Conflict) {
		result.Conflicts = append(result.Conflicts, c)
		structural[c.OpIndex] = true
	}

	for i, op := range cs.Ops {
		scopeDay := 0
		if cs.Scope == models.ScopeDay {
			scopeDay = cs.Day
		} else if op.Day > 0 && op.Op == models.OpInsert {
			scopeDay = op.Day
		}

		switch op.Op {
		case models.OpInsert:
			id := op.InsertID()
			if id != "" {
				if _, ok := live[id]; ok {
					flag(Conflict{OpIndex: i, Op: op.Op, NodeID: id, Kind: KindDuplicateID,
						Reason: fmt.Sprintf("node %s already exists", id)})
					continue
				}
			}
			day := cs.TargetDay(op)
			if op.After != "" {
				anchorDay, ok := live[op.After]
				if !ok {
					flag(Conflict{OpIndex: i, Op: op.Op, NodeID: op.After, Kind: KindAnchorMissing,
						Reason: fmt.Sprintf("anchor %s does not exist", op.After)})
					continue
				}
				if scopeDay > 0 && anchorDay != scopeDay {
					flag(Conflict{OpIndex: i, Op: op.Op, NodeID: op.After, Kind: KindAnchorMissing,
						Reason:     fmt.Sprintf("anchor %s is in day %d, not day %d", op.After, anchorDay, scopeDay),
						outOfScope: true})
					continue
				}
				day = anchorDay
			}
			if id != "" {
				live[id] = day
				locked[id] = op.Node.Locked != nil && *op.Node.Locked
			}

		case models.OpUpdate, models.OpRemove:
			day, ok := live[op.ID]
			if !ok {
				flag(Conflict{OpIndex: i, Op: op.Op, NodeID: op.ID, Kind: KindTargetMissing,
					Reason: fmt.Sprintf("node %s does not exist", op.ID)})
				continue
			}
			if scopeDay > 0 && day != scopeDay {
				flag(Conflict{OpIndex: i, Op: op.Op, NodeID: op.ID, Kind: KindTargetMissing,
					Reason:     fmt.Sprintf("node %s is in day %d, not day %d", op.ID, day, scopeDay),
					outOfScope: true})
				continue
			}
			if locked[op.ID] && cs.Actor != models.ActorUser {
				flag(Conflict{OpIndex: i, Op: op.Op, NodeID: op.ID, Kind: KindLockedNode,
					Reason: fmt.Sprintf("node %s is locked and %s edits may not change it", op.ID, cs.Actor)})
				continue
			}
			if op.Op == models.OpRemove {
				delete(live, op.ID)
				continue
			}
			if cs.Scope == models.ScopeTrip && op.Day > 0 {
				live[op.ID] = op.Day
			}
			if op.Node.Locked != nil && patchTouchesLock(op.Node, op.Node.KindFor(op.Op)) {
				locked[op.ID] = *op.Node.Locked
			}
		}
	}

	if cs.BaseVersion != nil && *cs.BaseVersion != doc.Version {
		r.flagStale(ctx, doc, cs, result, structural)
	}

	if result.HasConflicts() {
		logging.Warn("Change set conflicts detected", map[string]interface{}{
			"document_id":     doc.ID,
			"current_version": doc.Version,
			"base_version":    cs.BaseVersion,
			"conflicts":       len(result.Conflicts),
		})
	}
	return result, nil
}

// flagStale marks every operation without a structural conflict as stale,
// or as a concurrent modification when its node changed since the base.
func (r *Resolver) flagStale(ctx context.Context, doc *models.Itinerary, cs *models.ChangeSet, result *DetectionResult, structural map[int]bool) {
	base := *cs.BaseVersion
	ahead := base > doc.Version

	var touched map[string]bool
	if !ahead {
		touched = r.touchedSince(ctx, doc.ID, base, doc.Version)
	}

	for i, op := range cs.Ops {
		if structural[i] {
			continue
		}
		nodeID := op.ID
		if op.Op == models.OpInsert {
			nodeID = op.After
		}

		c := Conflict{OpIndex: i, Op: op.Op, NodeID: nodeID, Kind: KindStaleBase}
		switch {
		case ahead:
			c.baseAhead = true
			c.Reason = fmt.Sprintf("base version %d is ahead of current version %d", base, doc.Version)
		case nodeID != "" && (touched == nil || touched[nodeID]):
			c.Kind = KindConcurrentModification
			c.Reason = fmt.Sprintf("node %s changed since version %d", nodeID, base)
		default:
			c.Reason = fmt.Sprintf("base version %d is behind current version %d", base, doc.Version)
		}
		result.Conflicts = append(result.Conflicts, c)
	}
}

// touchedSince returns nil when the history cannot tell.
func (r *Resolver) touchedSince(ctx context.Context, documentID string, base, current int64) map[string]bool {
	if r.history == nil {
		return nil
	}
	touched, err := r.history.TouchedSince(ctx, documentID, base, current)
	if err != nil {
		logging.Warn("Change history unavailable, treating nodes as touched", map[string]interface{}{
			"document_id":  documentID,
			"base_version": base,
			"error":        err.Error(),
		})
		return nil
	}
	return touched
}

// removedSince returns nil when the history cannot tell.
func (r *Resolver) removedSince(ctx context.Context, documentID string, base, current int64) map[string]bool {
	if r.history == nil {
		return nil
	}
	removed, err := r.history.RemovedSince(ctx, documentID, base, current)
	if err != nil {
		logging.Warn("Removal history unavailable, missing nodes stay in conflict", map[string]interface{}{
			"document_id":  documentID,
			"base_version": base,
			"error":        err.Error(),
		})
		return nil
	}
	return removed
}

// AttemptAutoResolution applies the reconciliation heuristics to detection:
//   - a remove whose target was removed since the base is already satisfied
//     and dropped
//   - a stale base is harmless for nodes nobody touched since
//   - a concurrent modification yields to the caller when UserFirst is set
//
// A missing target or anchor with no removal on record is reported in
// Missing. Everything else stays unresolved.
func (r *Resolver) AttemptAutoResolution(ctx context.Context, doc *models.Itinerary, cs *models.ChangeSet, detection *DetectionResult) (*ResolutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ResolutionResult{
		Resolved:   []Resolution{},
		Unresolved: []Conflict{},
		Missing:    []Conflict{},
	}
	dropped := make(map[int]bool)

	// ids that exist in doc or are inserted by the set itself
	seen := make(map[string]bool, doc.NodeCount())
	for id := range doc.NodeIndex() {
		seen[id] = true
	}
	for _, op := range cs.Ops {
		if op.Op != models.OpInsert {
			continue
		}
		if id := op.InsertID(); id != "" {
			seen[id] = true
		}
	}

	var removed map[string]bool
	removedLoaded := false
	existed := func(nodeID string) (known, ok bool) {
		if seen[nodeID] {
			return true, true
		}
		if !removedLoaded {
			removed = r.removedSince(ctx, doc.ID, removalBase(cs, doc), doc.Version)
			removedLoaded = true
		}
		if removed == nil {
			return false, false
		}
		return true, removed[nodeID]
	}

	for _, c := range detection.Conflicts {
		strategy := ""
		switch c.Kind {
		case KindTargetMissing, KindAnchorMissing:
			if c.outOfScope {
				break
			}
			known, ok := existed(c.NodeID)
			switch {
			case known && !ok:
				result.Missing = append(result.Missing, c)
				continue
			case ok && c.Kind == KindTargetMissing && c.Op == models.OpRemove:
				strategy = StrategyAlreadyRemoved
				dropped[c.OpIndex] = true
			}
		case KindStaleBase:
			if !c.baseAhead {
				strategy = StrategyUntouched
			}
		case KindConcurrentModification:
			if cs.Preferences.UserFirst {
				strategy = StrategyUserFirst
			}
		}

		if strategy == "" {
			result.Unresolved = append(result.Unresolved, c)
			continue
		}
		result.Resolved = append(result.Resolved, Resolution{Conflict: c, Strategy: strategy})
	}

	result.Ops = make([]models.ChangeOperation, 0, len(cs.Ops))
	for i, op := range cs.Ops {
		if !dropped[i] {
			result.Ops = append(result.Ops, op)
		}
	}

	fields := map[string]interface{}{
		"document_id": doc.ID,
		"resolved":    len(result.Resolved),
		"unresolved":  len(result.Unresolved),
		"missing":     len(result.Missing),
		"dropped_ops": len(dropped),
	}
	if result.IsFullyResolved() {
		logging.Info("Conflicts auto-resolved", fields)
	} else {
		logging.Warn("Conflicts left unresolved", fields)
	}
	return result, nil
}

// removalBase is the first version whose removals count as proof that a node
// existed: the caller's base when it is known, otherwise the whole history.
func removalBase(cs *models.ChangeSet, doc *models.Itinerary) int64 {
	if cs.BaseVersion != nil && *cs.BaseVersion <= doc.Version {
		return *cs.BaseVersion
	}
	return 0
}

func patchTouchesLock(p *models.NodePatch, kind models.PatchKind) bool {
	if kind == models.PatchFull {
		return true
	}
	for _, f := range p.Mask() {
		if f == models.FieldLocked {
			return true
		}
	}
	return false
}
