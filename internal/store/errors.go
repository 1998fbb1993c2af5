package store

import "errors"

// Sentinel errors returned by Store operations, matching the error-kind
// table in spec.md §7. Callers use errors.Is to classify them into the
// transport-level reply the dispatcher sends back.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrForbidden = errors.New("store: forbidden")
)
