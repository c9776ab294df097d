package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing id.
	ErrAlreadyExists = errors.New("already exists")
)
