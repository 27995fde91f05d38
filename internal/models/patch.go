package models

import (
	"fmt"
)

// PatchKind tags how a NodePatch is merged.
type PatchKind string

const (
	// PatchFull replaces every content field of the target.
	PatchFull PatchKind = "full"
	// PatchSparse replaces only the fields named in the mask.
	PatchSparse PatchKind = "sparse"
)

// Patchable field names accepted in a sparse mask.
const (
	FieldType     = "type"
	FieldTitle    = "title"
	FieldLocation = "location"
	FieldTiming   = "timing"
	FieldCost     = "cost"
	FieldDetails  = "details"
	FieldLocked   = "locked"
	FieldLabels   = "labels"
)

var patchFields = map[string]bool{
	FieldType: true, FieldTitle: true, FieldLocation: true, FieldTiming: true,
	FieldCost: true, FieldDetails: true, FieldLocked: true, FieldLabels: true,
}

// NodePatch is the node payload of an insert or update.
//
// A full patch carries a complete node; absent Type and Locked keep the
// target's values and the ID is always preserved. A sparse patch merges the
// fields named in Fields, or every non-nil field when Fields is empty. A
// masked field with a nil value is cleared.
type NodePatch struct {
	Kind     PatchKind `json:"kind,omitempty"`
	Fields   []string  `json:"fields,omitempty"`
	ID       string    `json:"id,omitempty"`
	Type     *NodeType `json:"type,omitempty"`
	Title    *string   `json:"title,omitempty"`
	Location *Location `json:"location,omitempty"`
	Timing   *Timing   `json:"timing,omitempty"`
	Cost     *Cost     `json:"cost,omitempty"`
	Details  *string   `json:"details,omitempty"`
	Locked   *bool     `json:"locked,omitempty"`
	Labels   []string  `json:"labels,omitempty"`
}

// KindFor resolves an unset kind: inserts default to full, updates to sparse.
func (p *NodePatch) KindFor(op OpType) PatchKind {
	if p.Kind != "" {
		return p.Kind
	}
	if op == OpInsert {
		return PatchFull
	}
	return PatchSparse
}

func (p *NodePatch) validateShape() error {
	switch p.Kind {
	case "", PatchFull, PatchSparse:
	default:
		return fmt.Errorf("unknown patch kind %q", p.Kind)
	}
	if p.Kind == PatchFull && len(p.Fields) > 0 {
		return fmt.Errorf("a full patch cannot carry a field mask")
	}
	for _, f := range p.Fields {
		if !patchFields[f] {
			return fmt.Errorf("unknown field %q in mask", f)
		}
	}
	return nil
}

// Mask returns the fields a sparse patch touches.
func (p *NodePatch) Mask() []string {
	if len(p.Fields) > 0 {
		return p.Fields
	}
	var mask []string
	if p.Type != nil {
		mask = append(mask, FieldType)
	}
	if p.Title != nil {
		mask = append(mask, FieldTitle)
	}
	if p.Location != nil {
		mask = append(mask, FieldLocation)
	}
	if p.Timing != nil {
		mask = append(mask, FieldTiming)
	}
	if p.Cost != nil {
		mask = append(mask, FieldCost)
	}
	if p.Details != nil {
		mask = append(mask, FieldDetails)
	}
	if p.Locked != nil {
		mask = append(mask, FieldLocked)
	}
	if p.Labels != nil {
		mask = append(mask, FieldLabels)
	}
	return mask
}

// ApplyTo merges the patch into a copy of target and validates the result.
// The target is left untouched.
func (p *NodePatch) ApplyTo(target *Node, kind PatchKind) (*Node, error) {
	if err := p.validateShape(); err != nil {
		return nil, err
	}
	out := target.Clone()

	switch kind {
	case PatchFull:
		if p.Type != nil {
			out.Type = *p.Type
		}
		out.Title = derefString(p.Title)
		out.Location = p.Location
		out.Timing = p.Timing
		out.Cost = p.Cost
		out.Details = derefString(p.Details)
		if p.Locked != nil {
			out.Locked = *p.Locked
		}
		out.Labels = p.Labels
	case PatchSparse:
		for _, field := range p.Mask() {
			p.applyField(out, field)
		}
	default:
		return nil, fmt.Errorf("unknown patch kind %q", kind)
	}

	// detach from the pointers held by the patch
	out = out.Clone()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *NodePatch) applyField(out *Node, field string) {
	switch field {
	case FieldType:
		if p.Type != nil {
			out.Type = *p.Type
		} else {
			out.Type = ""
		}
	case FieldTitle:
		out.Title = derefString(p.Title)
	case FieldLocation:
		out.Location = p.Location
	case FieldTiming:
		out.Timing = p.Timing
	case FieldCost:
		out.Cost = p.Cost
	case FieldDetails:
		out.Details = derefString(p.Details)
	case FieldLocked:
		out.Locked = p.Locked != nil && *p.Locked
	case FieldLabels:
		out.Labels = p.Labels
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FullPatch builds a full patch carrying every field of n.
func FullPatch(n *Node) *NodePatch {
	c := n.Clone()
	typ := c.Type
	locked := c.Locked
	return &NodePatch{
		Kind:     PatchFull,
		ID:       c.ID,
		Type:     &typ,
		Title:    &c.Title,
		Location: c.Location,
		Timing:   c.Timing,
		Cost:     c.Cost,
		Details:  &c.Details,
		Locked:   &locked,
		Labels:   c.Labels,
	}
}
