package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"rollcall/internal/engine"
	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

type mockConn struct {
	userID string
	role   types.Role
	authed bool

	mu     sync.Mutex
	sent   []*types.Envelope
	closed bool
}

func newMockConn(userID string, role types.Role) *mockConn {
	return &mockConn{userID: userID, role: role, authed: true}
}

func (c *mockConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v.(*types.Envelope))
	return nil
}
func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *mockConn) GetID() string                                       { return "conn-" + c.userID }
func (c *mockConn) GetUserID() string                                   { return c.userID }
func (c *mockConn) GetRole() types.Role                                 { return c.role }
func (c *mockConn) IsAuthenticated() bool                               { return c.authed }
func (c *mockConn) SetCredentials(userID string, role types.Role) error { return nil }

func (c *mockConn) last(t *testing.T) *types.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("Expected a message to be sent")
	}
	return c.sent[len(c.sent)-1]
}

func (c *mockConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// stubEngine records calls and returns canned results
type stubEngine struct {
	err      error
	status   string
	calls    []string
	lastMark types.MarkPayload
}

func (e *stubEngine) Start(ctx context.Context, actor types.Actor, classID string) (*types.SessionInfo, error) {
	e.calls = append(e.calls, "start")
	return nil, e.err
}
func (e *stubEngine) Stop(ctx context.Context, actor types.Actor, classID string) (time.Time, error) {
	e.calls = append(e.calls, "stop")
	return time.Time{}, e.err
}
func (e *stubEngine) Mark(ctx context.Context, actor types.Actor, studentID string, status types.Status) error {
	e.calls = append(e.calls, "mark")
	e.lastMark = types.MarkPayload{StudentID: studentID, Status: status}
	return e.err
}
func (e *stubEngine) Summary(ctx context.Context, actor types.Actor) (types.Tally, error) {
	e.calls = append(e.calls, "summary")
	return types.Tally{}, e.err
}
func (e *stubEngine) MyStatus(ctx context.Context, actor types.Actor) (string, error) {
	e.calls = append(e.calls, "my_status")
	return e.status, e.err
}
func (e *stubEngine) Commit(ctx context.Context, actor types.Actor) (*types.CommitResult, error) {
	e.calls = append(e.calls, "commit")
	return nil, e.err
}
func (e *stubEngine) Active() *types.Session { return nil }

var _ interfaces.SessionEngine = (*stubEngine)(nil)

func errorMessage(t *testing.T, env *types.Envelope) string {
	t.Helper()
	if env.Event != types.EventError {
		t.Fatalf("Expected ERROR event, got %s", env.Event)
	}
	var payload types.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Failed to decode error payload: %v", err)
	}
	return payload.Message
}

func TestRoute_DispatchesKnownEvents(t *testing.T) {
	tests := []struct {
		frame string
		call  string
	}{
		{`{"event":"ATTENDANCE_MARKED","data":{"studentId":"S1","status":"present"}}`, "mark"},
		{`{"event":"TODAY_SUMMARY"}`, "summary"},
		{`{"event":"DONE","data":{}}`, "commit"},
	}

	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			eng := &stubEngine{}
			r := NewRouter(eng, nil, nil)
			conn := newMockConn("T1", types.RoleTeacher)

			r.Route(context.Background(), conn, []byte(tt.frame))

			if len(eng.calls) != 1 || eng.calls[0] != tt.call {
				t.Errorf("Expected call %s, got %v", tt.call, eng.calls)
			}
			if conn.count() != 0 {
				t.Errorf("Expected no reply on success, got %d messages", conn.count())
			}
		})
	}
}

func TestRoute_MarkPayloadPassedThrough(t *testing.T) {
	eng := &stubEngine{}
	r := NewRouter(eng, nil, nil)

	r.Route(context.Background(), newMockConn("T1", types.RoleTeacher),
		[]byte(`{"event":"ATTENDANCE_MARKED","data":{"studentId":"S2","status":"absent"}}`))

	if eng.lastMark.StudentID != "S2" || eng.lastMark.Status != types.StatusAbsent {
		t.Errorf("Unexpected mark payload: %+v", eng.lastMark)
	}
}

func TestRoute_UndecodableMarkStillReachesEngine(t *testing.T) {
	// The engine decides between a role error and a payload error
	eng := &stubEngine{err: &engine.OpError{Op: "mark", Kind: engine.ErrInvalidPayload, Msg: "Invalid ATTENDANCE_MARKED payload"}}
	r := NewRouter(eng, nil, nil)
	conn := newMockConn("T1", types.RoleTeacher)

	r.Route(context.Background(), conn, []byte(`{"event":"ATTENDANCE_MARKED","data":"S1"}`))

	if len(eng.calls) != 1 || eng.lastMark != (types.MarkPayload{}) {
		t.Errorf("Expected engine call with empty payload, got %v %+v", eng.calls, eng.lastMark)
	}
	if msg := errorMessage(t, conn.last(t)); msg != "Invalid ATTENDANCE_MARKED payload" {
		t.Errorf("Unexpected error message %q", msg)
	}
}

func TestRoute_MyAttendanceUnicastsStatus(t *testing.T) {
	eng := &stubEngine{status: "late"}
	r := NewRouter(eng, nil, nil)
	conn := newMockConn("S1", types.RoleStudent)

	r.Route(context.Background(), conn, []byte(`{"event":"MY_ATTENDANCE"}`))

	env := conn.last(t)
	if env.Event != types.EventMyAttendance {
		t.Fatalf("Expected MY_ATTENDANCE, got %s", env.Event)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if data["status"] != "late" {
		t.Errorf("Expected status late, got %q", data["status"])
	}
}

func TestRoute_TransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		message string
	}{
		{"invalid json", `{"event":`, "Invalid JSON message"},
		{"not an object", `[1,2]`, "Invalid JSON message"},
		{"missing event", `{"data":{}}`, "Invalid message envelope"},
		{"unknown event", `{"event":"SESSION_STARTED"}`, "Unknown event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &stubEngine{}
			r := NewRouter(eng, nil, nil)
			conn := newMockConn("T1", types.RoleTeacher)

			r.Route(context.Background(), conn, []byte(tt.frame))

			if msg := errorMessage(t, conn.last(t)); msg != tt.message {
				t.Errorf("Expected %q, got %q", tt.message, msg)
			}
			if len(eng.calls) != 0 {
				t.Errorf("Expected no engine calls, got %v", eng.calls)
			}
			if conn.closed {
				t.Error("Connection should stay open after a bad frame")
			}
		})
	}
}

func TestRoute_EngineErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		message string
	}{
		{&engine.OpError{Op: "mark", Kind: engine.ErrForbidden, Msg: "Forbidden, teacher event only"}, "Forbidden, teacher event only"},
		{&engine.OpError{Op: "summary", Kind: engine.ErrNoActiveSession, Msg: "No active attendance session"}, "No active attendance session"},
		{context.DeadlineExceeded, "Server error"},
	}

	for _, tt := range tests {
		eng := &stubEngine{err: tt.err}
		r := NewRouter(eng, nil, nil)
		conn := newMockConn("S1", types.RoleStudent)

		r.Route(context.Background(), conn, []byte(`{"event":"TODAY_SUMMARY"}`))

		if msg := errorMessage(t, conn.last(t)); msg != tt.message {
			t.Errorf("Expected %q, got %q", tt.message, msg)
		}
	}
}

func TestRoute_UnauthenticatedConnection(t *testing.T) {
	eng := &stubEngine{}
	r := NewRouter(eng, nil, nil)
	conn := newMockConn("", "")
	conn.authed = false

	r.Route(context.Background(), conn, []byte(`{"event":"TODAY_SUMMARY"}`))

	if msg := errorMessage(t, conn.last(t)); msg != "Unauthorized or invalid token" {
		t.Errorf("Unexpected message %q", msg)
	}
	if len(eng.calls) != 0 {
		t.Errorf("Expected no engine calls, got %v", eng.calls)
	}
}

func TestRoute_RateLimit(t *testing.T) {
	eng := &stubEngine{}
	r := NewRouter(eng, NewRateLimiter(2, time.Minute), metrics.New(nil))
	conn := newMockConn("T1", types.RoleTeacher)

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), conn, []byte(`{"event":"TODAY_SUMMARY"}`))
	}

	if len(eng.calls) != 2 {
		t.Errorf("Expected 2 engine calls, got %d", len(eng.calls))
	}
	if msg := errorMessage(t, conn.last(t)); msg != "Rate limit exceeded" {
		t.Errorf("Unexpected message %q", msg)
	}
}

func TestRateLimiter_WindowAndCleanup(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("u1") {
		t.Error("First message should be allowed")
	}
	if rl.Allow("u1") {
		t.Error("Second message in window should be refused")
	}
	if !rl.Allow("u2") {
		t.Error("Limits are per user")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("u1") {
		t.Error("New window should allow again")
	}

	now = now.Add(10 * time.Minute)
	rl.Cleanup()
	if rl.Tracked() != 0 {
		t.Errorf("Expected idle users pruned, %d remain", rl.Tracked())
	}
}
