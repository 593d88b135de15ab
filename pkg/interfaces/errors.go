package interfaces

import "errors"

// Common collaborator errors used across components
var (
	ErrClassNotFound  = errors.New("class not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailExists    = errors.New("email already exists")
	ErrRecordNotFound = errors.New("attendance record not found")
	ErrNotEnrolled    = errors.New("student not enrolled in class")
	ErrUnauthorized   = errors.New("unauthorized access")
)
