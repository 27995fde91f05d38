package db

import (
	"github.com/kimhsiao/waypoint/backend/internal/revision"
	"github.com/kimhsiao/waypoint/backend/internal/store"
)

// Ensure *Repository implements the interfaces at compile time.
var (
	_ store.DocumentStore = (*Repository)(nil)
	_ revision.Log        = (*Repository)(nil)
)
