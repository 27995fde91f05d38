// Package main is the waypoint command line tool. It drives the itinerary
// change engine against the configured stores.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error onto a process exit status so scripts can tell a
// rejected change apart from a crash.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrValidation:
		return 2
	case errors.ErrNotFound:
		return 3
	case errors.ErrConflict:
		return 4
	case errors.ErrBusy:
		return 5
	default:
		return 1
	}
}
