package models

import "errors"

var (
	// ErrNotFound means the machine does not exist in the addressed cluster.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a state transition is not allowed from the current state.
	ErrConflict = errors.New("conflict")
	// ErrValidation marks malformed create or update input.
	ErrValidation = errors.New("validation failed")
	// ErrEffector wraps failures reported by an action effector.
	ErrEffector = errors.New("effector failed")
)
