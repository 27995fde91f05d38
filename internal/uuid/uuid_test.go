package uuid

import (
	"regexp"
	"testing"
)

var (
	v4Pattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	nodeIDPattern = regexp.MustCompile(`^n_[0-9a-f]{12}$`)
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if !v4Pattern.MatchString(a) {
		t.Errorf("New() = %q, want a v4 uuid", a)
	}
	if a == b {
		t.Errorf("New() returned %q twice", a)
	}
}

func TestNewNodeID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := NewNodeID(func(id string) bool { return ids[id] })
		if !nodeIDPattern.MatchString(id) {
			t.Fatalf("NewNodeID() = %q, want n_ followed by 12 hex chars", id)
		}
		if ids[id] {
			t.Fatalf("NewNodeID() reused %q", id)
		}
		ids[id] = true
	}
}

func TestNewNodeID_SkipsTaken(t *testing.T) {
	refused := make(map[string]bool)
	calls := 0
	id := NewNodeID(func(id string) bool {
		calls++
		if calls <= 3 {
			refused[id] = true
			return true
		}
		return false
	})

	if refused[id] {
		t.Errorf("NewNodeID() returned refused id %q", id)
	}
	if calls != 4 {
		t.Errorf("taken called %d times, want 4", calls)
	}
}

func TestNewNodeID_Fallback(t *testing.T) {
	id := NewNodeID(func(id string) bool { return len(id) < 20 })
	if len(id) != len(NodeIDPrefix)+32 {
		t.Errorf("NewNodeID() = %q, want the 32 hex char form", id)
	}
}

func BenchmarkNewNodeID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewNodeID(nil)
	}
}
