package types

import (
	"encoding/json"
	"time"
)

// Role is the role claim bound to a user and to every realtime connection
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Status is an attendance status. Late exists in stored data from older
// clients but cannot be produced by a live session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// StatusNotYetUpdated is reported to a student who has no entry in the live session
const StatusNotYetUpdated = "not yet updated"

// Realtime event names carried in Envelope.Event
const (
	EventAttendanceMarked = "ATTENDANCE_MARKED"
	EventTodaySummary     = "TODAY_SUMMARY"
	EventMyAttendance     = "MY_ATTENDANCE"
	EventDone             = "DONE"
	EventError            = "ERROR"
	EventConnected        = "CONNECTED"
	EventSessionStarted   = "SESSION_STARTED"
	EventSessionStopped   = "SESSION_STOPPED"
)

// SessionDateLayout formats the natural-key date of an attendance record
const SessionDateLayout = "2006-01-02"

// Session is the single in-memory record of an in-progress attendance-taking event.
// ClassID and TeacherID never change after creation; only Attendance is mutated.
type Session struct {
	ClassID    string            `json:"classId"`
	TeacherID  string            `json:"teacherId"`
	StartedAt  time.Time         `json:"startedAt"`
	Attendance map[string]Status `json:"attendance"`
}

// Clone returns a deep copy that can be read without holding the registry lock
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	attendance := make(map[string]Status, len(s.Attendance))
	for studentID, status := range s.Attendance {
		attendance[studentID] = status
	}
	return &Session{
		ClassID:    s.ClassID,
		TeacherID:  s.TeacherID,
		StartedAt:  s.StartedAt,
		Attendance: attendance,
	}
}

// SessionDate is the UTC calendar date used to key committed records
func (s *Session) SessionDate() string {
	return s.StartedAt.UTC().Format(SessionDateLayout)
}

// SessionInfo is the result of starting a session
type SessionInfo struct {
	ClassID   string    `json:"classId"`
	StartedAt time.Time `json:"startedAt"`
}

// Tally counts marks. Total is present+absent, which is the number of marked
// students during a session and the roster size after commit.
type Tally struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Total   int `json:"total"`
}

// CountStatuses builds a tally over the given statuses
func CountStatuses(statuses map[string]Status) Tally {
	var t Tally
	for _, status := range statuses {
		switch status {
		case StatusPresent:
			t.Present++
		case StatusAbsent:
			t.Absent++
		}
	}
	t.Total = t.Present + t.Absent
	return t
}

// CommitResult is broadcast with the DONE event
type CommitResult struct {
	Message string `json:"message"`
	Tally
}

// Roster is the set of students enrolled in a class along with its owner
type Roster struct {
	ClassID    string   `json:"classId"`
	TeacherID  string   `json:"teacherId"`
	StudentIDs []string `json:"studentIds"`
}

// Enrolled reports whether studentID belongs to the roster
func (r *Roster) Enrolled(studentID string) bool {
	for _, id := range r.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// AttendanceRecord is one durable attendance row
type AttendanceRecord struct {
	ClassID     string    `json:"classId" db:"class_id"`
	StudentID   string    `json:"studentId" db:"student_id"`
	SessionDate string    `json:"sessionDate" db:"session_date"`
	Status      Status    `json:"status" db:"status"`
	RecordedAt  time.Time `json:"recordedAt" db:"recorded_at"`
}

// User is an account in the directory
type User struct {
	ID           string    `json:"_id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         Role      `json:"role" db:"role"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Class is a class with its enrolled student ids
type Class struct {
	ID         string    `json:"_id" db:"id"`
	Name       string    `json:"className" db:"name"`
	TeacherID  string    `json:"teacherId" db:"teacher_id"`
	StudentIDs []string  `json:"studentIds" db:"-"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Roster returns the class as a roster
func (c *Class) Roster() *Roster {
	return &Roster{ClassID: c.ID, TeacherID: c.TeacherID, StudentIDs: c.StudentIDs}
}

// Envelope is the realtime message frame in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an outbound envelope
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	if data == nil {
		return &Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// MarkPayload is the data of an inbound ATTENDANCE_MARKED event
type MarkPayload struct {
	StudentID string `json:"studentId"`
	Status    Status `json:"status"`
}

// ErrorPayload is the data of an ERROR event
type ErrorPayload struct {
	Message string `json:"message"`
}

// Actor is the verified identity behind a request or connection
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}
