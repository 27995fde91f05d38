package engine

import (
	"fmt"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/models"
	"github.com/kimhsiao/waypoint/backend/internal/uuid"
)

// applyOps applies ops in order to a copy of doc. Conflict detection has
// already vouched for every target and anchor; a miss here means the set
// contradicts itself and is reported as a conflict.
func applyOps(doc *models.Itinerary, cs *models.ChangeSet, ops []models.ChangeOperation) (*models.Itinerary, error) {
	next := doc.Clone()
	for i, op := range ops {
		var err error
		switch op.Op {
		case models.OpInsert:
			err = insertNode(next, cs, op)
		case models.OpUpdate:
			err = updateNode(next, cs, op)
		case models.OpRemove:
			err = removeNode(next, op)
		default:
			err = errors.Newf(errors.ErrValidation, "unknown op %q", op.Op)
		}
		if err != nil {
			return nil, withOpIndex(err, i, op)
		}
	}
	return next, nil
}

func withOpIndex(err error, i int, op models.ChangeOperation) error {
	code := errors.CodeOf(err)
	if code == errors.ErrInternal {
		code = errors.ErrValidation
	}
	return errors.Wrap(code, fmt.Sprintf("op %d (%s)", i, op.Op), err)
}

func insertNode(doc *models.Itinerary, cs *models.ChangeSet, op models.ChangeOperation) error {
	id := op.InsertID()
	if id == "" {
		id = uuid.NewNodeID(doc.HasNode)
	} else if doc.HasNode(id) {
		return errors.Newf(errors.ErrConflict, "node %s already exists", id)
	}

	node, err := op.Node.ApplyTo(&models.Node{ID: id, Type: models.DefaultNodeType}, op.Node.KindFor(op.Op))
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid node", err)
	}

	var day *models.Day
	index := 0
	if op.After != "" {
		ref, ok := doc.FindNode(op.After)
		if !ok {
			return errors.Newf(errors.ErrConflict, "anchor %s does not exist", op.After)
		}
		day = ref.Day
		index = ref.Index + 1
	} else {
		day = doc.EnsureDay(cs.TargetDay(op))
	}
	if op.Position != nil {
		index = clamp(*op.Position, len(day.Nodes))
	}
	day.Nodes = insertAt(day.Nodes, index, node)
	return nil
}

func updateNode(doc *models.Itinerary, cs *models.ChangeSet, op models.ChangeOperation) error {
	ref, ok := doc.FindNode(op.ID)
	if !ok {
		return errors.Newf(errors.ErrConflict, "node %s does not exist", op.ID)
	}

	patched, err := op.Node.ApplyTo(ref.Node, op.Node.KindFor(op.Op))
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid node", err)
	}
	ref.Day.Nodes[ref.Index] = patched

	moving := cs.Scope == models.ScopeTrip && op.Day > 0 && op.Day != ref.Day.Number
	if !moving && op.Position == nil {
		return nil
	}

	ref.Day.Nodes = removeAt(ref.Day.Nodes, ref.Index)
	target := ref.Day
	if moving {
		target = doc.EnsureDay(op.Day)
	}
	index := len(target.Nodes)
	if op.Position != nil {
		index = clamp(*op.Position, len(target.Nodes))
	}
	target.Nodes = insertAt(target.Nodes, index, patched)
	return nil
}

func removeNode(doc *models.Itinerary, op models.ChangeOperation) error {
	ref, ok := doc.FindNode(op.ID)
	if !ok {
		return errors.Newf(errors.ErrConflict, "node %s does not exist", op.ID)
	}
	ref.Day.Nodes = removeAt(ref.Day.Nodes, ref.Index)
	return nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func insertAt(nodes []*models.Node, i int, n *models.Node) []*models.Node {
	nodes = append(nodes, nil)
	copy(nodes[i+1:], nodes[i:])
	nodes[i] = n
	return nodes
}

func removeAt(nodes []*models.Node, i int) []*models.Node {
	return append(nodes[:i], nodes[i+1:]...)
}
