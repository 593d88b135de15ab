package interfaces

import (
	"context"

	"rollcall/pkg/types"
)

// RosterProvider resolves a class to its owner and enrolled students.
// Consumed read-only by the session engine.
type RosterProvider interface {
	// GetRoster returns ErrClassNotFound when the class does not exist
	GetRoster(ctx context.Context, classID string) (*types.Roster, error)
}

// AttendanceStore persists committed attendance.
// SaveAttendance upserts by (class, student, session date) so a retried
// commit rewrites the same rows instead of appending.
type AttendanceStore interface {
	SaveAttendance(ctx context.Context, records []types.AttendanceRecord) error
}

// AttendanceReader serves already persisted records
type AttendanceReader interface {
	// GetStudentAttendance returns the most recent record, or ErrRecordNotFound
	GetStudentAttendance(ctx context.Context, classID, studentID string) (*types.AttendanceRecord, error)

	// ListClassAttendance returns records for a date; an empty date selects the latest one
	ListClassAttendance(ctx context.Context, classID, sessionDate string) ([]types.AttendanceRecord, error)
}

// UserDirectory stores accounts
type UserDirectory interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	ListUsersByRole(ctx context.Context, role types.Role) ([]*types.User, error)
}

// ClassStore stores classes and enrollment
type ClassStore interface {
	CreateClass(ctx context.Context, class *types.Class) error
	GetClass(ctx context.Context, classID string) (*types.Class, error)
	RenameClass(ctx context.Context, classID, name string) error
	DeleteClass(ctx context.Context, classID string) error
	AddStudent(ctx context.Context, classID, studentID string) error
	RemoveStudent(ctx context.Context, classID, studentID string) error
	ListClassesByTeacher(ctx context.Context, teacherID string) ([]*types.Class, error)
	ListClassesByStudent(ctx context.Context, studentID string) ([]*types.Class, error)
}

// DatabaseManager is the full persistence surface of one backend
type DatabaseManager interface {
	RosterProvider
	AttendanceStore
	AttendanceReader
	UserDirectory
	ClassStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
