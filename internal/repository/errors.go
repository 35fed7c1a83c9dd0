package repository

import "errors"

var (
	// ErrNotFound is returned when no row or key matches, including rows
	// hidden by tenant scoping.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate reports a unique constraint conflict, such as a
	// credential prefix already held by a live credential.
	ErrDuplicate = errors.New("record already exists")
	// ErrInvalidInput rejects values the store refuses to persist.
	ErrInvalidInput = errors.New("invalid input")
)
