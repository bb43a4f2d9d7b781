package store

import "errors"

// Sentinel errors for operations whose preconditions failed. Structural
// defects discovered at load time are collected as Issues instead.
var (
	// ErrNotFound means the operation targeted an unknown contract id.
	ErrNotFound = errors.New("contract not found")

	// ErrDuplicateID means a create targeted an id that already exists.
	ErrDuplicateID = errors.New("contract id already exists")

	// ErrMutationConflict means two mutations raced on one contract id.
	// The loser receives this error and must retry; updates are never
	// silently merged.
	ErrMutationConflict = errors.New("concurrent mutation in progress")

	// ErrIDImmutable means an update attempted to change a contract's id.
	ErrIDImmutable = errors.New("contract id is immutable")

	// ErrVersionRegression means an update attempted to lower the version.
	ErrVersionRegression = errors.New("contract version must be non-decreasing")
)
