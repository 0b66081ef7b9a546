package store

import "errors"

// Sentinel errors returned by Store implementations. Callers branch with
// errors.Is; messages carry the collection and identifier context.
var (
	// ErrNotFound is returned when no document matches the id or key.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey is returned when an insert or replace would leave two
	// documents in one collection sharing a composite key.
	ErrDuplicateKey = errors.New("duplicate composite key")
)
