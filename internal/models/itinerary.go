// Package models provides data model definitions for Waypoint itineraries.
package models

import (
	"fmt"
	"sort"
	"time"
)

// NodeType tags what kind of stop a node describes.
type NodeType string

const (
	NodeTypeAttraction NodeType = "attraction"
	NodeTypeMeal       NodeType = "meal"
	NodeTypeTransit    NodeType = "transit"
	NodeTypeLodging    NodeType = "lodging"
	NodeTypeActivity   NodeType = "activity"
	NodeTypeNote       NodeType = "note"
)

// DefaultNodeType is assigned to inserted nodes that do not name a type.
const DefaultNodeType = NodeTypeAttraction

// Itinerary is the versioned document the change engine mutates.
type Itinerary struct {
	ID        string    `json:"id" validate:"required"`
	Title     string    `json:"title,omitempty"`
	Days      []*Day    `json:"days" validate:"dive"`
	Version   int64     `json:"version" validate:"gte=0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Day is one numbered day of an itinerary.
type Day struct {
	Number int     `json:"day" validate:"gt=0"`
	Date   string  `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Nodes  []*Node `json:"nodes" validate:"dive"`
}

// Node is a single stop within a day. IDs are unique across the itinerary.
type Node struct {
	ID       string    `json:"id" validate:"required,max=128"`
	Type     NodeType  `json:"type" validate:"required,oneof=attraction meal transit lodging activity note"`
	Title    string    `json:"title" validate:"required,max=200"`
	Location *Location `json:"location,omitempty"`
	Timing   *Timing   `json:"timing,omitempty"`
	Cost     *Cost     `json:"cost,omitempty"`
	Details  string    `json:"details,omitempty" validate:"max=4000"`
	Locked   bool      `json:"locked"`
	Labels   []string  `json:"labels,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
}

// Location places a node on the map.
type Location struct {
	Name    string   `json:"name,omitempty" validate:"max=200"`
	Address string   `json:"address,omitempty" validate:"max=400"`
	Lat     *float64 `json:"lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Lng     *float64 `json:"lng,omitempty" validate:"omitempty,gte=-180,lte=180"`
	PlaceID string   `json:"place_id,omitempty" validate:"max=256"`
}

// Timing is the node's time window within its day.
type Timing struct {
	Start       string `json:"start,omitempty" validate:"omitempty,clock"`
	End         string `json:"end,omitempty" validate:"omitempty,clock"`
	DurationMin int    `json:"duration_min,omitempty" validate:"gte=0,lte=1440"`
}

// Cost is an estimated price for the node.
type Cost struct {
	Amount   float64 `json:"amount" validate:"gte=0"`
	Currency string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Per      string  `json:"per,omitempty" validate:"omitempty,oneof=person group"`
}

// Validate checks the itinerary and every nested node against the schema,
// and that day numbers and node ids are unique.
func (it *Itinerary) Validate() error {
	if err := validate.Struct(it); err != nil {
		return describeValidation(err)
	}
	days := make(map[int]bool, len(it.Days))
	ids := make(map[string]bool)
	for _, d := range it.Days {
		if days[d.Number] {
			return fmt.Errorf("day %d appears more than once", d.Number)
		}
		days[d.Number] = true
		for _, n := range d.Nodes {
			if ids[n.ID] {
				return fmt.Errorf("node id %s appears more than once", n.ID)
			}
			ids[n.ID] = true
		}
	}
	return nil
}

// Validate checks a single node against the schema.
func (n *Node) Validate() error {
	if err := validate.Struct(n); err != nil {
		return describeValidation(err)
	}
	return nil
}

// FindDay returns the day with the given number.
func (it *Itinerary) FindDay(number int) (*Day, bool) {
	for _, d := range it.Days {
		if d.Number == number {
			return d, true
		}
	}
	return nil, false
}

// EnsureDay returns the day with the given number, creating it in order if
// it does not exist yet.
func (it *Itinerary) EnsureDay(number int) *Day {
	if d, ok := it.FindDay(number); ok {
		return d
	}
	d := &Day{Number: number, Nodes: []*Node{}}
	it.Days = append(it.Days, d)
	sort.SliceStable(it.Days, func(i, j int) bool {
		return it.Days[i].Number < it.Days[j].Number
	})
	return d
}

// NodeRef locates a node inside an itinerary.
type NodeRef struct {
	Day   *Day
	Index int
	Node  *Node
}

// FindNode locates a node by id across all days.
func (it *Itinerary) FindNode(id string) (NodeRef, bool) {
	for _, d := range it.Days {
		for i, n := range d.Nodes {
			if n.ID == id {
				return NodeRef{Day: d, Index: i, Node: n}, true
			}
		}
	}
	return NodeRef{}, false
}

// HasNode reports whether a node id is present.
func (it *Itinerary) HasNode(id string) bool {
	_, ok := it.FindNode(id)
	return ok
}

// NodeIndex maps every node id to its location.
func (it *Itinerary) NodeIndex() map[string]NodeRef {
	idx := make(map[string]NodeRef)
	for _, d := range it.Days {
		for i, n := range d.Nodes {
			idx[n.ID] = NodeRef{Day: d, Index: i, Node: n}
		}
	}
	return idx
}

// NodeCount returns the number of nodes across all days.
func (it *Itinerary) NodeCount() int {
	count := 0
	for _, d := range it.Days {
		count += len(d.Nodes)
	}
	return count
}

// Clone returns a deep copy of the itinerary.
func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := &Itinerary{
		ID:        it.ID,
		Title:     it.Title,
		Version:   it.Version,
		UpdatedAt: it.UpdatedAt,
		Days:      make([]*Day, 0, len(it.Days)),
	}
	for _, d := range it.Days {
		out.Days = append(out.Days, d.Clone())
	}
	return out
}

// Clone returns a deep copy of the day.
func (d *Day) Clone() *Day {
	out := &Day{Number: d.Number, Date: d.Date, Nodes: make([]*Node, 0, len(d.Nodes))}
	for _, n := range d.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	return out
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Location != nil {
		loc := *n.Location
		if n.Location.Lat != nil {
			lat := *n.Location.Lat
			loc.Lat = &lat
		}
		if n.Location.Lng != nil {
			lng := *n.Location.Lng
			loc.Lng = &lng
		}
		out.Location = &loc
	}
	if n.Timing != nil {
		timing := *n.Timing
		out.Timing = &timing
	}
	if n.Cost != nil {
		cost := *n.Cost
		out.Cost = &cost
	}
	if n.Labels != nil {
		out.Labels = append([]string(nil), n.Labels...)
	}
	return &out
}

// Equal reports whether two nodes carry the same content. Nil and empty
// label lists compare equal so a JSON round trip never looks like an edit.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.ID != o.ID || n.Type != o.Type || n.Title != o.Title ||
		n.Details != o.Details || n.Locked != o.Locked {
		return false
	}
	if !n.Location.equal(o.Location) {
		return false
	}
	if (n.Timing == nil) != (o.Timing == nil) || (n.Timing != nil && *n.Timing != *o.Timing) {
		return false
	}
	if (n.Cost == nil) != (o.Cost == nil) || (n.Cost != nil && *n.Cost != *o.Cost) {
		return false
	}
	if len(n.Labels) != len(o.Labels) {
		return false
	}
	for i := range n.Labels {
		if n.Labels[i] != o.Labels[i] {
			return false
		}
	}
	return true
}

func (l *Location) equal(o *Location) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.Name == o.Name && l.Address == o.Address && l.PlaceID == o.PlaceID &&
		floatPtrEqual(l.Lat, o.Lat) && floatPtrEqual(l.Lng, o.Lng)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ContentEqual reports whether two itineraries have the same days and nodes,
// ignoring version and timestamps.
func (it *Itinerary) ContentEqual(o *Itinerary) bool {
	if it.Title != o.Title || len(it.Days) != len(o.Days) {
		return false
	}
	for i, d := range it.Days {
		od := o.Days[i]
		if d.Number != od.Number || d.Date != od.Date || len(d.Nodes) != len(od.Nodes) {
			return false
		}
		for j, n := range d.Nodes {
			if !n.Equal(od.Nodes[j]) {
				return false
			}
		}
	}
	return true
}
