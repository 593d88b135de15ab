package session

import "errors"

// Registry errors
var (
	ErrCommitInProgress = errors.New("session commit in progress")
	ErrNotActive        = errors.New("no active session")
	ErrNotCommitting    = errors.New("session is not committing")
	ErrNilSession       = errors.New("session cannot be nil")
)
