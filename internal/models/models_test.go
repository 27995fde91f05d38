package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func sampleItinerary() *Itinerary {
	lat, lng := 48.8606, 2.3376
	return &Itinerary{
		ID:      "it_1",
		Title:   "Paris",
		Version: 5,
		Days: []*Day{
			{Number: 1, Date: "2026-05-01", Nodes: []*Node{
				{ID: "A", Type: NodeTypeAttraction, Title: "Louvre",
					Location: &Location{Name: "Louvre", Lat: &lat, Lng: &lng},
					Timing:   &Timing{Start: "09:00", End: "12:00", DurationMin: 180},
					Cost:     &Cost{Amount: 22, Currency: "EUR", Per: "person"},
					Labels:   []string{"museum"}},
				{ID: "B", Type: NodeTypeMeal, Title: "Lunch", Locked: true},
			}},
			{Number: 2, Nodes: []*Node{
				{ID: "C", Type: NodeTypeTransit, Title: "Train to Lyon"},
			}},
		},
	}
}

func TestItinerary_Validate(t *testing.T) {
	it := sampleItinerary()
	require.NoError(t, it.Validate())

	dup := sampleItinerary()
	dup.Days[1].Nodes[0].ID = "A"
	assert.Error(t, dup.Validate())

	badTime := sampleItinerary()
	badTime.Days[0].Nodes[0].Timing.Start = "25:00"
	err := badTime.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clock")

	badCurrency := sampleItinerary()
	badCurrency.Days[0].Nodes[0].Cost.Currency = "eur"
	assert.Error(t, badCurrency.Validate())

	dupDay := sampleItinerary()
	dupDay.Days[1].Number = 1
	assert.Error(t, dupDay.Validate())
}

func TestItinerary_CloneIsDeep(t *testing.T) {
	it := sampleItinerary()
	c := it.Clone()
	require.True(t, it.ContentEqual(c))

	*c.Days[0].Nodes[0].Location.Lat = 0
	c.Days[0].Nodes[0].Labels[0] = "changed"
	c.Days[0].Nodes = append(c.Days[0].Nodes, &Node{ID: "X", Type: NodeTypeNote, Title: "x"})

	assert.Equal(t, 48.8606, *it.Days[0].Nodes[0].Location.Lat)
	assert.Equal(t, "museum", it.Days[0].Nodes[0].Labels[0])
	assert.Len(t, it.Days[0].Nodes, 2)
	assert.False(t, it.ContentEqual(c))
}

func TestItinerary_EnsureDayKeepsOrder(t *testing.T) {
	it := sampleItinerary()
	d := it.EnsureDay(4)
	assert.Equal(t, 4, d.Number)
	it.EnsureDay(3)

	var numbers []int
	for _, d := range it.Days {
		numbers = append(numbers, d.Number)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, numbers)
	assert.Same(t, d, it.EnsureDay(4))
}

func TestItinerary_FindNode(t *testing.T) {
	it := sampleItinerary()
	ref, ok := it.FindNode("C")
	require.True(t, ok)
	assert.Equal(t, 2, ref.Day.Number)
	assert.Equal(t, 0, ref.Index)
	assert.False(t, it.HasNode("Z"))
	assert.Equal(t, 3, it.NodeCount())
}

func TestNode_EqualTreatsNilLabelsAsEmpty(t *testing.T) {
	a := &Node{ID: "A", Type: NodeTypeNote, Title: "t"}
	b := &Node{ID: "A", Type: NodeTypeNote, Title: "t", Labels: []string{}}
	assert.True(t, a.Equal(b))

	b.Labels = []string{"x"}
	assert.False(t, a.Equal(b))
}

func TestItinerary_JSONPreservesVersionIDsAndLock(t *testing.T) {
	it := sampleItinerary()
	data, err := json.Marshal(it)
	require.NoError(t, err)

	var back Itinerary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, int64(5), back.Version)
	assert.True(t, back.Days[0].Nodes[1].Locked)
	assert.Equal(t, "B", back.Days[0].Nodes[1].ID)
	assert.True(t, it.ContentEqual(&back))
}

func TestChangeSet_Normalized(t *testing.T) {
	cs := (&ChangeSet{Day: 1}).Normalized()
	assert.Equal(t, ScopeDay, cs.Scope)
	assert.Equal(t, ActorUser, cs.Actor)

	cs = (&ChangeSet{}).Normalized()
	assert.Equal(t, ScopeTrip, cs.Scope)
}

func TestChangeSet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cs      ChangeSet
		wantErr bool
	}{
		{
			name: "day insert after anchor",
			cs: ChangeSet{Scope: ScopeDay, Day: 1, Ops: []ChangeOperation{
				{Op: OpInsert, After: "A", Node: &NodePatch{Title: strPtr("New Stop")}},
			}},
		},
		{
			name: "empty op list",
			cs:   ChangeSet{Scope: ScopeTrip},
		},
		{
			name:    "day scope without day",
			cs:      ChangeSet{Scope: ScopeDay},
			wantErr: true,
		},
		{
			name:    "trip scope with day",
			cs:      ChangeSet{Scope: ScopeTrip, Day: 2},
			wantErr: true,
		},
		{
			name:    "unknown op",
			cs:      ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: "move", ID: "A"}}},
			wantErr: true,
		},
		{
			name:    "update without id",
			cs:      ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: OpUpdate, Node: &NodePatch{}}}},
			wantErr: true,
		},
		{
			name:    "update without payload",
			cs:      ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: OpUpdate, ID: "A"}}},
			wantErr: true,
		},
		{
			name:    "remove without id",
			cs:      ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: OpRemove}}},
			wantErr: true,
		},
		{
			name:    "trip insert at start without day",
			cs:      ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: OpInsert, Node: &NodePatch{Title: strPtr("x")}}}},
			wantErr: true,
		},
		{
			name: "op day outside scope day",
			cs: ChangeSet{Scope: ScopeDay, Day: 1, Ops: []ChangeOperation{
				{Op: OpInsert, Day: 2, Node: &NodePatch{Title: strPtr("x")}},
			}},
			wantErr: true,
		},
		{
			name: "unknown mask field",
			cs: ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{
				{Op: OpUpdate, ID: "A", Node: &NodePatch{Kind: PatchSparse, Fields: []string{"price"}}},
			}},
			wantErr: true,
		},
		{
			name: "zero position",
			cs:   ChangeSet{Scope: ScopeTrip, Ops: []ChangeOperation{{Op: OpRemove, ID: "A", Position: new(int)}}},
		},
		{
			name:    "unknown actor",
			cs:      ChangeSet{Scope: ScopeTrip, Actor: "robot"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cs.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeSet_FingerprintIgnoresKey(t *testing.T) {
	base := int64(3)
	a := &ChangeSet{Scope: ScopeTrip, BaseVersion: &base, IdempotencyKey: "key-00001",
		Ops: []ChangeOperation{{Op: OpRemove, ID: "B"}}}
	b := *a
	b.IdempotencyKey = "key-00002"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := *a
	c.Ops = []ChangeOperation{{Op: OpRemove, ID: "A"}}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestNodePatch_ApplySparse(t *testing.T) {
	target := sampleItinerary().Days[0].Nodes[0]

	patch := &NodePatch{Title: strPtr("Louvre Museum")}
	out, err := patch.ApplyTo(target, patch.KindFor(OpUpdate))
	require.NoError(t, err)
	assert.Equal(t, "Louvre Museum", out.Title)
	assert.Equal(t, target.Timing, out.Timing)
	assert.Equal(t, "Louvre", target.Title, "target must not change")

	clearCost := &NodePatch{Kind: PatchSparse, Fields: []string{FieldCost}}
	out, err = clearCost.ApplyTo(target, PatchSparse)
	require.NoError(t, err)
	assert.Nil(t, out.Cost)
	assert.Equal(t, "Louvre", out.Title)
}

func TestNodePatch_ApplyFull(t *testing.T) {
	target := sampleItinerary().Days[0].Nodes[1]

	patch := &NodePatch{Kind: PatchFull, ID: "ignored", Title: strPtr("Dinner")}
	out, err := patch.ApplyTo(target, PatchFull)
	require.NoError(t, err)
	assert.Equal(t, "B", out.ID)
	assert.Equal(t, NodeTypeMeal, out.Type)
	assert.True(t, out.Locked, "absent locked keeps the target's flag")
	assert.Equal(t, "Dinner", out.Title)

	patch.Locked = boolPtr(false)
	out, err = patch.ApplyTo(target, PatchFull)
	require.NoError(t, err)
	assert.False(t, out.Locked)
}

func TestNodePatch_ApplyRejectsInvalidResult(t *testing.T) {
	target := sampleItinerary().Days[0].Nodes[0]

	_, err := (&NodePatch{Title: strPtr("")}).ApplyTo(target, PatchSparse)
	assert.Error(t, err)

	bad := NodeType("spaceship")
	_, err = (&NodePatch{Type: &bad}).ApplyTo(target, PatchSparse)
	assert.Error(t, err)

	_, err = (&NodePatch{Timing: &Timing{Start: "9am"}}).ApplyTo(target, PatchSparse)
	assert.Error(t, err)
}

func TestFullPatch_RoundTrip(t *testing.T) {
	n := sampleItinerary().Days[0].Nodes[0]
	out, err := FullPatch(n).ApplyTo(&Node{ID: n.ID, Type: NodeTypeNote}, PatchFull)
	require.NoError(t, err)
	assert.True(t, n.Equal(out))
}

func TestComputeDiff(t *testing.T) {
	before := sampleItinerary()

	t.Run("identical", func(t *testing.T) {
		diff := ComputeDiff(before, before.Clone())
		assert.True(t, diff.IsEmpty())
		assert.NotNil(t, diff.Added)
	})

	t.Run("insert in the middle only adds", func(t *testing.T) {
		after := before.Clone()
		d := after.Days[0]
		d.Nodes = []*Node{d.Nodes[0], {ID: "N", Type: NodeTypeNote, Title: "New"}, d.Nodes[1]}
		diff := ComputeDiff(before, after)
		assert.Equal(t, []string{"N"}, diff.Added)
		assert.Empty(t, diff.Removed)
		assert.Empty(t, diff.Updated)
	})

	t.Run("remove", func(t *testing.T) {
		after := before.Clone()
		after.Days[0].Nodes = after.Days[0].Nodes[:1]
		diff := ComputeDiff(before, after)
		assert.Equal(t, []string{"B"}, diff.Removed)
		assert.Empty(t, diff.Updated)
	})

	t.Run("content change", func(t *testing.T) {
		after := before.Clone()
		after.Days[1].Nodes[0].Title = "Train to Nice"
		diff := ComputeDiff(before, after)
		assert.Equal(t, []string{"C"}, diff.Updated)
	})

	t.Run("move across days", func(t *testing.T) {
		after := before.Clone()
		c := after.Days[1].Nodes[0]
		after.Days[1].Nodes = nil
		after.Days[0].Nodes = append(after.Days[0].Nodes, c)
		diff := ComputeDiff(before, after)
		assert.Equal(t, []string{"C"}, diff.Updated)
	})

	t.Run("reorder", func(t *testing.T) {
		after := before.Clone()
		d := after.Days[0]
		d.Nodes[0], d.Nodes[1] = d.Nodes[1], d.Nodes[0]
		diff := ComputeDiff(before, after)
		assert.Equal(t, []string{"A", "B"}, diff.Updated)
		assert.Empty(t, diff.Added)
	})

	t.Run("node ids", func(t *testing.T) {
		diff := ItineraryDiff{Added: []string{"x"}, Removed: []string{"y"}, Updated: []string{"z"}}
		assert.ElementsMatch(t, []string{"x", "y", "z"}, diff.NodeIDs())
	})
}

func TestRevisionRecord_Validate(t *testing.T) {
	snap := sampleItinerary()
	snap.Version = 6
	base := sampleItinerary()

	rec := &RevisionRecord{DocumentID: "it_1", FromVersion: 5, ToVersion: 6, Kind: RevisionApply, Snapshot: snap, Base: base}
	require.NoError(t, rec.Validate())

	skip := *rec
	skip.ToVersion = 7
	assert.Error(t, skip.Validate())

	noSnap := *rec
	noSnap.Snapshot = nil
	assert.Error(t, noSnap.Validate())

	s := rec.Summary()
	assert.Nil(t, s.Snapshot)
	assert.Nil(t, s.Base)
	assert.NotNil(t, rec.Snapshot)
}
