// Package uuid provides UUID v4 generation and the node id minter.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// NodeIDPrefix marks ids minted for itinerary nodes.
const NodeIDPrefix = "n_"

const (
	nodeIDHexLen    = 12
	maxMintAttempts = 16
)

// New generates a new UUID v4, used for revision ids.
func New() string {
	return uuid.New().String()
}

// NewNodeID mints a short node id that taken reports as unused.
// Uniqueness is only guaranteed within the itinerary that taken describes.
func NewNodeID(taken func(id string) bool) string {
	for i := 0; i < maxMintAttempts; i++ {
		raw := strings.ReplaceAll(uuid.New().String(), "-", "")
		id := NodeIDPrefix + raw[:nodeIDHexLen]
		if taken == nil || !taken(id) {
			return id
		}
	}
	// Exhausting the short space is practically impossible; fall back to the
	// full 128-bit form.
	for {
		id := NodeIDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
		if taken == nil || !taken(id) {
			return id
		}
	}
}
