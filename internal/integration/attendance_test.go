package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	gorillaws "github.com/gorilla/websocket"

	"rollcall/pkg/types"
)

func TestLiveSession_EndToEnd(t *testing.T) {
	base := startServer(t)

	teacher, _ := register(t, base, "grace", types.RoleTeacher)
	student1, s1 := register(t, base, "linus", types.RoleStudent)
	student2, s2 := register(t, base, "ken", types.RoleStudent)

	status, resp := teacher.call(http.MethodPost, "/class", map[string]string{"className": "Operating Systems"})
	if status != http.StatusCreated {
		t.Fatalf("Create class failed: %d %s", status, resp.Error)
	}
	var class types.Class
	_ = json.Unmarshal(resp.Data, &class)
	for _, id := range []string{s1, s2} {
		if status, resp := teacher.call(http.MethodPost, "/class/"+class.ID+"/add-student", map[string]string{"studentId": id}); status != http.StatusOK {
			t.Fatalf("Add student failed: %d %s", status, resp.Error)
		}
	}

	teacherWS := teacher.dial()
	ws1 := student1.dial()
	ws2 := student2.dial()
	everyone := []*wsClient{teacherWS, ws1, ws2}

	if status, resp := teacher.call(http.MethodPost, "/attendance/start", map[string]string{"classId": class.ID}); status != http.StatusOK {
		t.Fatalf("Start failed: %d %s", status, resp.Error)
	}
	for _, ws := range everyone {
		var info types.SessionInfo
		_ = json.Unmarshal(ws.expect(types.EventSessionStarted), &info)
		if info.ClassID != class.ID {
			t.Errorf("Expected SESSION_STARTED for %s, got %s", class.ID, info.ClassID)
		}
	}

	t.Run("teacher marks are broadcast", func(t *testing.T) {
		teacherWS.send(types.EventAttendanceMarked, types.MarkPayload{StudentID: s1, Status: types.StatusPresent})
		for _, ws := range everyone {
			var mark types.MarkPayload
			_ = json.Unmarshal(ws.expect(types.EventAttendanceMarked), &mark)
			if mark.StudentID != s1 || mark.Status != types.StatusPresent {
				t.Errorf("Unexpected mark broadcast %+v", mark)
			}
		}
	})

	t.Run("students cannot mark", func(t *testing.T) {
		ws1.send(types.EventAttendanceMarked, types.MarkPayload{StudentID: s1, Status: types.StatusAbsent})
		ws1.expectError("Forbidden, teacher event only")
	})

	t.Run("bad frames keep the connection open", func(t *testing.T) {
		ws2.sendRaw(`not json`)
		ws2.expectError("Invalid JSON message")
		ws2.send("HELLO", nil)
		ws2.expectError("Unknown event")
	})

	t.Run("students read their own status", func(t *testing.T) {
		ws1.send(types.EventMyAttendance, nil)
		var mine map[string]string
		_ = json.Unmarshal(ws1.expect(types.EventMyAttendance), &mine)
		if mine["status"] != "present" {
			t.Errorf("Expected present, got %q", mine["status"])
		}

		ws2.send(types.EventMyAttendance, nil)
		_ = json.Unmarshal(ws2.expect(types.EventMyAttendance), &mine)
		if mine["status"] != types.StatusNotYetUpdated {
			t.Errorf("Expected %q, got %q", types.StatusNotYetUpdated, mine["status"])
		}
	})

	t.Run("summary counts marked students", func(t *testing.T) {
		teacherWS.send(types.EventTodaySummary, nil)
		for _, ws := range everyone {
			var tally types.Tally
			_ = json.Unmarshal(ws.expect(types.EventTodaySummary), &tally)
			if tally != (types.Tally{Present: 1, Absent: 0, Total: 1}) {
				t.Errorf("Unexpected summary %+v", tally)
			}
		}
	})

	t.Run("commit persists the whole roster", func(t *testing.T) {
		teacherWS.send(types.EventDone, nil)
		for _, ws := range everyone {
			var result types.CommitResult
			_ = json.Unmarshal(ws.expect(types.EventDone), &result)
			if result.Message != "Attendance persisted" || result.Tally != (types.Tally{Present: 1, Absent: 1, Total: 2}) {
				t.Errorf("Unexpected DONE payload %+v", result)
			}
		}

		status, resp := student2.call(http.MethodGet, "/class/"+class.ID+"/my-attendance", nil)
		if status != http.StatusOK {
			t.Fatalf("my-attendance failed: %d %s", status, resp.Error)
		}
		var record struct {
			Status types.Status `json:"status"`
		}
		_ = json.Unmarshal(resp.Data, &record)
		if record.Status != types.StatusAbsent {
			t.Errorf("Expected unmarked student stored absent, got %q", record.Status)
		}
	})

	t.Run("no session after commit", func(t *testing.T) {
		teacherWS.send(types.EventTodaySummary, nil)
		teacherWS.expectError("No active attendance session")

		ws1.send(types.EventMyAttendance, nil)
		ws1.expectError("No active attendance session")
	})
}

func TestLiveSession_StopDiscardsMarks(t *testing.T) {
	base := startServer(t)

	teacher, _ := register(t, base, "grace", types.RoleTeacher)
	student, s1 := register(t, base, "linus", types.RoleStudent)

	_, resp := teacher.call(http.MethodPost, "/class", map[string]string{"className": "Networks"})
	var class types.Class
	_ = json.Unmarshal(resp.Data, &class)
	teacher.call(http.MethodPost, "/class/"+class.ID+"/add-student", map[string]string{"studentId": s1})

	ws := teacher.dial()
	teacher.call(http.MethodPost, "/attendance/start", map[string]string{"classId": class.ID})
	ws.expect(types.EventSessionStarted)

	ws.send(types.EventAttendanceMarked, types.MarkPayload{StudentID: s1, Status: types.StatusPresent})
	ws.expect(types.EventAttendanceMarked)

	if status, resp := teacher.call(http.MethodPost, "/attendance/stop", map[string]string{"classId": class.ID}); status != http.StatusOK {
		t.Fatalf("Stop failed: %d %s", status, resp.Error)
	}
	ws.expect(types.EventSessionStopped)

	status, resp := student.call(http.MethodGet, "/class/"+class.ID+"/my-attendance", nil)
	if status != http.StatusOK {
		t.Fatalf("my-attendance failed: %d %s", status, resp.Error)
	}
	if string(resp.Data) == "" {
		t.Fatal("Expected data")
	}
	var record map[string]interface{}
	_ = json.Unmarshal(resp.Data, &record)
	if record["status"] != nil {
		t.Errorf("Stopped session should not persist, got %v", record["status"])
	}
}

func TestRealtime_RejectsBadToken(t *testing.T) {
	base := startServer(t)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+base+"/ws?token=forged", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ws := &wsClient{t: t, conn: conn}
	ws.expectError("Unauthorized or invalid token")

	if _, _, err := conn.ReadMessage(); !gorillaws.IsCloseError(err, gorillaws.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}
}
