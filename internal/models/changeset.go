package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Scope says whether a change set edits one day or the whole trip.
type Scope string

const (
	ScopeDay  Scope = "day"
	ScopeTrip Scope = "trip"
)

// OpType is the kind of a single change operation.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpRemove OpType = "remove"
)

// Actor identifies who submitted a change set. Only users may alter locked
// nodes.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorAgent      Actor = "agent"
	ActorEnrichment Actor = "enrichment"
)

// MaxOpsPerChangeSet bounds the size of a single change set.
const MaxOpsPerChangeSet = 500

// Preferences tune how conflicts are reconciled.
type Preferences struct {
	UserFirst bool `json:"user_first"`
	AutoApply bool `json:"auto_apply"`
}

// ChangeSet is a batch of edits applied atomically to one itinerary.
type ChangeSet struct {
	Scope          Scope             `json:"scope,omitempty" validate:"omitempty,oneof=day trip"`
	Day            int               `json:"day,omitempty" validate:"gte=0"`
	Ops            []ChangeOperation `json:"ops" validate:"max=500,dive"`
	BaseVersion    *int64            `json:"base_version,omitempty" validate:"omitempty,gte=0"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Preferences    Preferences       `json:"preferences"`
	Actor          Actor             `json:"actor,omitempty" validate:"omitempty,oneof=user agent enrichment"`
}

// ChangeOperation is one structural edit.
type ChangeOperation struct {
	Op       OpType     `json:"op" validate:"required,oneof=insert update remove"`
	ID       string     `json:"id,omitempty" validate:"max=128"`
	After    string     `json:"after,omitempty" validate:"max=128"`
	Day      int        `json:"day,omitempty" validate:"gte=0"`
	Node     *NodePatch `json:"node,omitempty"`
	Position *int       `json:"position,omitempty" validate:"omitempty,gte=0"`
}

// Normalized returns a copy with the implicit defaults filled in: a scope
// derived from Day when absent, and the user actor.
func (cs *ChangeSet) Normalized() *ChangeSet {
	out := *cs
	out.Ops = append([]ChangeOperation(nil), cs.Ops...)
	if out.Scope == "" {
		if out.Day > 0 {
			out.Scope = ScopeDay
		} else {
			out.Scope = ScopeTrip
		}
	}
	if out.Actor == "" {
		out.Actor = ActorUser
	}
	return &out
}

// Validate checks the change set shape and the per-operation required
// fields. It does not look at any document.
func (cs *ChangeSet) Validate() error {
	if err := validate.Struct(cs); err != nil {
		return describeValidation(err)
	}

	switch cs.Scope {
	case ScopeDay:
		if cs.Day <= 0 {
			return fmt.Errorf("scope day requires a day number")
		}
	case ScopeTrip:
		if cs.Day != 0 {
			return fmt.Errorf("scope trip must not name a day")
		}
	}

	for i, op := range cs.Ops {
		if err := cs.validateOp(op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Op, err)
		}
	}
	return nil
}

func (cs *ChangeSet) validateOp(op ChangeOperation) error {
	if cs.Scope == ScopeDay && op.Day != 0 && op.Day != cs.Day {
		return fmt.Errorf("day %d is outside scope day %d", op.Day, cs.Day)
	}

	switch op.Op {
	case OpInsert:
		if op.Node == nil {
			return fmt.Errorf("node payload is required")
		}
		if op.ID != "" && op.Node.ID != "" && op.ID != op.Node.ID {
			return fmt.Errorf("id %s does not match node id %s", op.ID, op.Node.ID)
		}
		if op.After == "" && cs.TargetDay(op) == 0 {
			return fmt.Errorf("insert without an anchor needs a day")
		}
	case OpUpdate:
		if op.ID == "" {
			return fmt.Errorf("target id is required")
		}
		if op.Node == nil {
			return fmt.Errorf("node payload is required")
		}
		if op.Node.ID != "" && op.Node.ID != op.ID {
			return fmt.Errorf("node id cannot be changed")
		}
	case OpRemove:
		if op.ID == "" {
			return fmt.Errorf("target id is required")
		}
	}

	if op.Node != nil {
		if err := op.Node.validateShape(); err != nil {
			return err
		}
	}
	return nil
}

// TargetDay returns the day an operation places nodes into when it has no
// anchor: the op's own day, else the change set's day.
func (cs *ChangeSet) TargetDay(op ChangeOperation) int {
	if op.Day > 0 {
		return op.Day
	}
	return cs.Day
}

// InsertID returns the caller-chosen id of an insert, if any.
func (op ChangeOperation) InsertID() string {
	if op.ID != "" {
		return op.ID
	}
	if op.Node != nil {
		return op.Node.ID
	}
	return ""
}

// Fingerprint hashes everything but the idempotency key so a reused key can
// be told apart from a genuine retry.
func (cs *ChangeSet) Fingerprint() string {
	c := *cs
	c.IdempotencyKey = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
