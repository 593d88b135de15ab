package router

import "errors"

// Transport-level errors; each maps to one client-facing message
var (
	ErrNotAuthenticated  = errors.New("connection not authenticated")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidJSON       = errors.New("invalid JSON message")
	ErrInvalidEnvelope   = errors.New("invalid message envelope")
	ErrUnknownEvent      = errors.New("unknown event")
)

var transportMessages = map[error]string{
	ErrNotAuthenticated:  "Unauthorized or invalid token",
	ErrRateLimitExceeded: "Rate limit exceeded",
	ErrInvalidJSON:       "Invalid JSON message",
	ErrInvalidEnvelope:   "Invalid message envelope",
	ErrUnknownEvent:      "Unknown event",
}
