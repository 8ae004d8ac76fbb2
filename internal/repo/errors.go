package repo

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist or is no longer in the expected state
	ErrNotFound = errors.New("not found")
	// ErrInvalidReference is returned when a write points at a user or room that does not exist
	ErrInvalidReference = errors.New("invalid reference")
)
