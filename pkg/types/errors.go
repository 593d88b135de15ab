package types

import "errors"

// Validation errors shared by the API and the session engine
var (
	ErrInvalidUserID    = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole      = errors.New("role must be 'teacher' or 'student'")
	ErrInvalidStatus    = errors.New("status must be 'present' or 'absent'")
	ErrEmptyStudentID   = errors.New("student ID is required")
	ErrInvalidClassName = errors.New("class name must be 1-200 characters")
	ErrEmptyEvent       = errors.New("envelope event is required")
)
