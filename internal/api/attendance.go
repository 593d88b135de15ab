package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

type sessionRequest struct {
	ClassID string `json:"classId" validate:"required,notblank"`
}

type activeSession struct {
	ClassID    string                  `json:"classId"`
	TeacherID  string                  `json:"teacherId"`
	StartedAt  time.Time               `json:"startedAt"`
	Attendance map[string]types.Status `json:"attendance,omitempty"`
	Summary    *types.Tally            `json:"summary,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	info, err := s.sessions.Start(r.Context(), actorFromContext(r.Context()), req.ClassID)
	if err != nil {
		writeFailure(w, "start session", err)
		return
	}

	writeData(w, http.StatusOK, info)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	endedAt, err := s.sessions.Stop(r.Context(), actorFromContext(r.Context()), req.ClassID)
	if err != nil {
		writeFailure(w, "stop session", err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"classId": req.ClassID,
		"endedAt": endedAt,
	})
}

// handleActiveSession returns the live session or null. Only the teacher
// who started it sees individual marks.
func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	active := s.sessions.Active()
	if active == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": nil})
		return
	}

	out := activeSession{
		ClassID:   active.ClassID,
		TeacherID: active.TeacherID,
		StartedAt: active.StartedAt,
	}
	if actorFromContext(r.Context()).UserID == active.TeacherID {
		tally := types.CountStatuses(active.Attendance)
		out.Attendance = active.Attendance
		out.Summary = &tally
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleMyAttendance(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "id")
	actor := actorFromContext(r.Context())

	class, err := s.store.GetClass(r.Context(), classID)
	if err != nil {
		writeFailure(w, "my attendance", err)
		return
	}
	if !class.Roster().Enrolled(actor.UserID) {
		writeError(w, http.StatusForbidden, msgNotEnrolled)
		return
	}

	var status *types.Status
	record, err := s.store.GetStudentAttendance(r.Context(), classID, actor.UserID)
	switch {
	case err == nil:
		status = &record.Status
	case !errors.Is(err, interfaces.ErrRecordNotFound):
		writeFailure(w, "my attendance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"classId": classID,
			"status":  status,
		},
	})
}

func (s *Server) handleClassAttendance(w http.ResponseWriter, r *http.Request) {
	class := s.loadOwnedClass(w, r)
	if class == nil {
		return
	}

	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(types.SessionDateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, msgInvalidDate)
			return
		}
	}

	records, err := s.store.ListClassAttendance(r.Context(), class.ID, date)
	if err != nil {
		writeFailure(w, "class attendance", err)
		return
	}
	if date == "" && len(records) > 0 {
		date = records[0].SessionDate
	}

	statuses := make(map[string]types.Status, len(records))
	for _, rec := range records {
		statuses[rec.StudentID] = rec.Status
	}
	tally := types.CountStatuses(statuses)
	tally.Total = len(records)

	writeData(w, http.StatusOK, map[string]interface{}{
		"classId": class.ID,
		"date":    date,
		"records": records,
		"summary": tally,
	})
}
