package repository

import "errors"

// Common storage errors
var (
	// ErrNotFound indicates the requested record was not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey indicates a unique constraint violation
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnsupported indicates the store does not implement the requested
	// capability
	ErrUnsupported = errors.New("operation not supported by store")
)
