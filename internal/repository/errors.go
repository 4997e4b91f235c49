package repository

import "errors"

// Sentinel errors shared by all repository implementations.
var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates a malformed or rejected write.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("repository: conflict")
	// ErrInsufficientFunds indicates the conditional balance decrement found
	// less balance than the requested cost.
	ErrInsufficientFunds = errors.New("repository: insufficient funds")
)
