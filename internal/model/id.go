package model

import (
	"regexp"

	"github.com/oklog/ulid/v2"
)

// safeID matches identifiers usable verbatim as a single path segment.
var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// IsSafeID reports whether id can be used as a directory or file name
// without any rewriting.
func IsSafeID(id string) bool {
	return safeID.MatchString(id)
}
