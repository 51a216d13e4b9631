package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates the underlying store could not be reached.
	// Privileged actions must fail closed when this surfaces from an audit write.
	ErrUnavailable = errors.New("store unavailable")
	// ErrIntegrity indicates an audit chain verification mismatch. Fatal to
	// trust in the affected range; never swallowed by automated paths.
	ErrIntegrity = errors.New("audit chain integrity failure")
)
