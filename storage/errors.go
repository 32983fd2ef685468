package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidID is returned for IDs that cannot be used as keys.
	ErrInvalidID = errors.New("invalid record ID")
)
