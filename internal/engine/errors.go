package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine is an *OpError wrapping one of these.
var (
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrNoActiveSession  = errors.New("no active session")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrCommitInProgress = errors.New("commit in progress")
	ErrInternal         = errors.New("internal error")
)

// Client-facing messages
const (
	msgTeacherOnly      = "Forbidden, teacher event only"
	msgStudentOnly      = "Forbidden, student event only"
	msgNotClassTeacher  = "Forbidden, not class teacher"
	msgClassNotFound    = "Class not found"
	msgNoActiveSession  = "No active attendance session"
	msgInvalidMark      = "Invalid ATTENDANCE_MARKED payload"
	msgClassIDRequired  = "classId is required"
	msgCommitInProgress = "Attendance commit in progress"
	msgServerError      = "Server error"
	msgPersistFailed    = "Failed to persist attendance"
)

// OpError reports why an engine operation was refused or failed.
// Msg is safe to show to clients; Err holds the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *OpError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func opError(op string, kind error, msg string, cause error) *OpError {
	return &OpError{Op: op, Kind: kind, Msg: msg, Err: cause}
}

// Message returns the client-facing text for err
func Message(err error) string {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Msg
	}
	return msgServerError
}

// KindName names the kind of err for logs and metrics
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrCommitInProgress):
		return "commit_in_progress"
	default:
		return "internal"
	}
}
