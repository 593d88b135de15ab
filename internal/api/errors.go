package api

import (
	"errors"
	"net/http"

	"rollcall/internal/engine"
	"rollcall/pkg/interfaces"
)

// Client-facing messages
const (
	msgUnauthorized    = "Unauthorized, token missing or invalid"
	msgTeacherRequired = "Forbidden, teacher access required"
	msgStudentRequired = "Forbidden, student access required"
	msgNotClassTeacher = "Forbidden, not class teacher"
	msgNotEnrolled     = "Forbidden, student not enrolled in class"
	msgInvalidSchema   = "Invalid request schema"
	msgInvalidDate     = "Invalid date, expected YYYY-MM-DD"
	msgEmailExists     = "Email already exists"
	msgBadCredentials  = "Invalid email or password"
	msgClassNotFound   = "Class not found"
	msgStudentNotFound = "Student not found"
	msgUserNotFound    = "User not found"
	msgSessionRunning  = "Attendance session in progress for this class"
	msgInternal        = "Internal server error"
)

// statusFor maps engine and store errors to an HTTP status and message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, engine.Message(err)
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, engine.Message(err)
	case errors.Is(err, engine.ErrNoActiveSession), errors.Is(err, engine.ErrCommitInProgress):
		return http.StatusConflict, engine.Message(err)
	case errors.Is(err, engine.ErrInvalidPayload):
		return http.StatusBadRequest, engine.Message(err)
	case errors.Is(err, interfaces.ErrClassNotFound):
		return http.StatusNotFound, msgClassNotFound
	case errors.Is(err, interfaces.ErrUserNotFound):
		return http.StatusNotFound, msgUserNotFound
	default:
		return http.StatusInternalServerError, msgInternal
	}
}
