// Package session holds the single process-wide live attendance session.
package session

import (
	"sync"

	"rollcall/pkg/types"
)

// State tags the registry slot
type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Registry is a mutex-guarded slot holding at most one session
type Registry struct {
	mu      sync.Mutex
	current *types.Session
	state   State
}

// NewRegistry creates an idle registry
func NewRegistry() *Registry {
	return &Registry{state: StateIdle}
}

// Get returns a snapshot of the current session, or nil when idle
func (r *Registry) Get() *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// State returns the current state tag
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Set replaces the slot with s
func (r *Registry) Set(s *types.Session) error {
	return r.Update(func(tx *Txn) error { return tx.Set(s) })
}

// Clear empties the slot
func (r *Registry) Clear() error {
	return r.Update(func(tx *Txn) error { return tx.Clear() })
}

// Update runs fn with exclusive access to the slot. Compound read-modify-write
// steps must go through Update so no other operation interleaves.
func (r *Registry) Update(fn func(tx *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &Txn{r: r}
	defer func() { tx.r = nil }()
	return fn(tx)
}

// Txn is the view of the slot handed to Update. It is only valid inside the callback.
type Txn struct {
	r *Registry
}

// Session returns the live session for in-place mutation, or nil
func (tx *Txn) Session() *types.Session {
	return tx.r.current
}

// State returns the state tag
func (tx *Txn) State() State {
	return tx.r.state
}

// Set replaces the slot and marks it active
func (tx *Txn) Set(s *types.Session) error {
	if s == nil {
		return ErrNilSession
	}
	if tx.r.state == StateCommitting {
		return ErrCommitInProgress
	}
	if s.Attendance == nil {
		s.Attendance = make(map[string]types.Status)
	}
	tx.r.current = s
	tx.r.state = StateActive
	return nil
}

// Clear empties the slot
func (tx *Txn) Clear() error {
	if tx.r.state == StateCommitting {
		return ErrCommitInProgress
	}
	tx.r.current = nil
	tx.r.state = StateIdle
	return nil
}

// BeginCommit moves an active slot to committing and returns a snapshot to reconcile
func (tx *Txn) BeginCommit() (*types.Session, error) {
	switch tx.r.state {
	case StateCommitting:
		return nil, ErrCommitInProgress
	case StateIdle:
		return nil, ErrNotActive
	}
	tx.r.state = StateCommitting
	return tx.r.current.Clone(), nil
}

// FinishCommit clears the slot after a successful commit
func (tx *Txn) FinishCommit() error {
	if tx.r.state != StateCommitting {
		return ErrNotCommitting
	}
	tx.r.current = nil
	tx.r.state = StateIdle
	return nil
}

// AbortCommit returns the slot to active, keeping the session for a retry
func (tx *Txn) AbortCommit() error {
	if tx.r.state != StateCommitting {
		return ErrNotCommitting
	}
	tx.r.state = StateActive
	return nil
}
