package config

import "errors"

// Configuration error sentinels.
var (
	// ErrInvalidConfig indicates a malformed configuration document.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicatePath indicates two APIs share the same path prefix.
	ErrDuplicatePath = errors.New("duplicate api path")

	// ErrUnresolvedUse indicates a `use` reference with no matching
	// pipeline-level entry.
	ErrUnresolvedUse = errors.New("unresolved use reference")
)
