package types

import (
	"regexp"
	"strings"
)

// Compiled once; ids are uuids in practice but imported rosters may carry other tokens
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user or class ID meets format requirements
func IsValidUserID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return userIDRegex.MatchString(id)
}

// IsValidRole reports whether r is one of the two known roles
func IsValidRole(r Role) bool {
	return r == RoleTeacher || r == RoleStudent
}

// IsLiveStatus reports whether s may be set during a live session.
// Late is deliberately excluded.
func IsLiveStatus(s Status) bool {
	return s == StatusPresent || s == StatusAbsent
}

// Validate checks an inbound mark payload
func (p *MarkPayload) Validate() error {
	if strings.TrimSpace(p.StudentID) == "" {
		return ErrEmptyStudentID
	}
	if !IsLiveStatus(p.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// Validate checks an inbound envelope has an event name
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.Event) == "" {
		return ErrEmptyEvent
	}
	return nil
}

// ValidateClassName trims and checks a class name
func ValidateClassName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < 1 || len(name) > 200 {
		return "", ErrInvalidClassName
	}
	return name, nil
}
