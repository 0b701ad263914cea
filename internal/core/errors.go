package core

import "errors"

var (
	// ErrNotInitialized is returned by operations invoked before Initialize.
	ErrNotInitialized = errors.New("simulator not initialized")
	// ErrStudyNotFound is returned when no engine is registered for a study OID.
	ErrStudyNotFound = errors.New("study not found")
	// ErrStaleView is returned for audit queries bound to a view captured
	// before the ledger was reset.
	ErrStaleView = errors.New("audit ledger was reset after the view was taken")
)
