package models

import (
	"sort"
)

// ItineraryDiff is the node-level delta between two itinerary states.
type ItineraryDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
}

// EmptyDiff returns a diff with no changes.
func EmptyDiff() ItineraryDiff {
	return ItineraryDiff{Added: []string{}, Removed: []string{}, Updated: []string{}}
}

// IsEmpty reports whether the diff records no change at all.
func (d ItineraryDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// NodeIDs returns every node id the diff mentions.
func (d ItineraryDiff) NodeIDs() []string {
	ids := make([]string, 0, len(d.Added)+len(d.Removed)+len(d.Updated))
	ids = append(ids, d.Added...)
	ids = append(ids, d.Removed...)
	ids = append(ids, d.Updated...)
	return ids
}

// ComputeDiff compares two states of the same itinerary.
//
// A surviving node counts as updated when its content changed, when it moved
// to another day, or when its order relative to the other surviving nodes of
// its day changed. Inserting or removing neighbours alone does not update a
// node.
func ComputeDiff(before, after *Itinerary) ItineraryDiff {
	diff := EmptyDiff()
	beforeIdx := before.NodeIndex()
	afterIdx := after.NodeIndex()

	updated := make(map[string]bool)
	for id, ref := range afterIdx {
		prev, ok := beforeIdx[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		if prev.Day.Number != ref.Day.Number || !prev.Node.Equal(ref.Node) {
			updated[id] = true
		}
	}
	for id := range beforeIdx {
		if _, ok := afterIdx[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}

	for _, day := range after.Days {
		prevDay, ok := before.FindDay(day.Number)
		if !ok {
			continue
		}
		old := survivors(prevDay, day.Number, afterIdx)
		cur := survivors(day, day.Number, beforeIdx)
		for i := range cur {
			if i < len(old) && old[i] != cur[i] {
				updated[cur[i]] = true
			}
		}
	}

	for id := range updated {
		diff.Updated = append(diff.Updated, id)
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Updated)
	return diff
}

// survivors lists the ids of d whose node sits in the same day number on the
// other side of the comparison.
func survivors(d *Day, number int, other map[string]NodeRef) []string {
	ids := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if ref, ok := other[n.ID]; ok && ref.Day.Number == number {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
