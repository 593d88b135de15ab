package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

type classRequest struct {
	ClassName string `json:"className" validate:"required,notblank,max=200"`
}

type addStudentRequest struct {
	StudentID string `json:"studentId" validate:"required,notblank"`
}

type classDetail struct {
	ID        string         `json:"_id"`
	ClassName string         `json:"className"`
	TeacherID string         `json:"teacherId"`
	Students  []userResponse `json:"students"`
}

type teacherClass struct {
	ID           string         `json:"_id"`
	ClassName    string         `json:"className"`
	TeacherID    string         `json:"teacherId"`
	StudentCount int            `json:"studentCount"`
	Students     []userResponse `json:"students"`
}

type enrolledClass struct {
	ID        string        `json:"_id"`
	ClassName string        `json:"className"`
	Teacher   *userResponse `json:"teacher"`
}

// loadOwnedClass fetches the class in the URL and checks the caller owns it.
// It writes the failure response itself and returns nil on failure.
func (s *Server) loadOwnedClass(w http.ResponseWriter, r *http.Request) *types.Class {
	class, err := s.store.GetClass(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, "get class", err)
		return nil
	}
	if class.TeacherID != actorFromContext(r.Context()).UserID {
		writeError(w, http.StatusForbidden, msgNotClassTeacher)
		return nil
	}
	return class
}

// students resolves student ids to directory entries, skipping deleted accounts
func (s *Server) students(ctx context.Context, ids []string) ([]userResponse, error) {
	out := make([]userResponse, 0, len(ids))
	for _, id := range ids {
		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, interfaces.ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		summary := toUserResponse(user)
		summary.Role = ""
		out = append(out, summary)
	}
	return out, nil
}

func (s *Server) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	var req classRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}
	name, err := types.ValidateClassName(req.ClassName)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	class := &types.Class{
		ID:         uuid.NewString(),
		Name:       name,
		TeacherID:  actorFromContext(r.Context()).UserID,
		StudentIDs: []string{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateClass(r.Context(), class); err != nil {
		writeFailure(w, "create class", err)
		return
	}

	writeData(w, http.StatusCreated, class)
}

func (s *Server) handleGetClass(w http.ResponseWriter, r *http.Request) {
	class, err := s.store.GetClass(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, "get class", err)
		return
	}

	actor := actorFromContext(r.Context())
	if class.TeacherID != actor.UserID && !class.Roster().Enrolled(actor.UserID) {
		writeError(w, http.StatusForbidden, msgNotClassTeacher)
		return
	}

	students, err := s.students(r.Context(), class.StudentIDs)
	if err != nil {
		writeFailure(w, "get class", err)
		return
	}

	writeData(w, http.StatusOK, classDetail{
		ID:        class.ID,
		ClassName: class.Name,
		TeacherID: class.TeacherID,
		Students:  students,
	})
}

func (s *Server) handleRenameClass(w http.ResponseWriter, r *http.Request) {
	class := s.loadOwnedClass(w, r)
	if class == nil {
		return
	}

	var req classRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}
	name, err := types.ValidateClassName(req.ClassName)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	if err := s.store.RenameClass(r.Context(), class.ID, name); err != nil {
		writeFailure(w, "rename class", err)
		return
	}
	class.Name = name

	writeData(w, http.StatusOK, class)
}

func (s *Server) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	class := s.loadOwnedClass(w, r)
	if class == nil {
		return
	}

	if active := s.sessions.Active(); active != nil && active.ClassID == class.ID {
		writeError(w, http.StatusConflict, msgSessionRunning)
		return
	}

	if err := s.store.DeleteClass(r.Context(), class.ID); err != nil {
		writeFailure(w, "delete class", err)
		return
	}

	writeMessage(w, http.StatusOK, "Class deleted", map[string]string{"_id": class.ID})
}

func (s *Server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	class := s.loadOwnedClass(w, r)
	if class == nil {
		return
	}

	var req addStudentRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	student, err := s.store.GetUser(r.Context(), req.StudentID)
	if err != nil && !errors.Is(err, interfaces.ErrUserNotFound) {
		writeFailure(w, "add student", err)
		return
	}
	if student == nil || student.Role != types.RoleStudent {
		writeError(w, http.StatusNotFound, msgStudentNotFound)
		return
	}

	if err := s.store.AddStudent(r.Context(), class.ID, student.ID); err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, msgStudentNotFound)
			return
		}
		writeFailure(w, "add student", err)
		return
	}

	updated, err := s.store.GetClass(r.Context(), class.ID)
	if err != nil {
		writeFailure(w, "add student", err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveStudent(w http.ResponseWriter, r *http.Request) {
	class := s.loadOwnedClass(w, r)
	if class == nil {
		return
	}

	// Removing a student who is not enrolled leaves the class unchanged
	err := s.store.RemoveStudent(r.Context(), class.ID, chi.URLParam(r, "studentId"))
	if err != nil && !errors.Is(err, interfaces.ErrNotEnrolled) {
		writeFailure(w, "remove student", err)
		return
	}

	updated, err := s.store.GetClass(r.Context(), class.ID)
	if err != nil {
		writeFailure(w, "remove student", err)
		return
	}
	writeMessage(w, http.StatusOK, "Student removed from class", updated)
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsersByRole(r.Context(), types.RoleStudent)
	if err != nil {
		writeFailure(w, "list students", err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleMyClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.store.ListClassesByTeacher(r.Context(), actorFromContext(r.Context()).UserID)
	if err != nil {
		writeFailure(w, "my classes", err)
		return
	}

	out := make([]teacherClass, 0, len(classes))
	for _, class := range classes {
		students, err := s.students(r.Context(), class.StudentIDs)
		if err != nil {
			writeFailure(w, "my classes", err)
			return
		}
		out = append(out, teacherClass{
			ID:           class.ID,
			ClassName:    class.Name,
			TeacherID:    class.TeacherID,
			StudentCount: len(class.StudentIDs),
			Students:     students,
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleEnrolledClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.store.ListClassesByStudent(r.Context(), actorFromContext(r.Context()).UserID)
	if err != nil {
		writeFailure(w, "enrolled classes", err)
		return
	}

	out := make([]enrolledClass, 0, len(classes))
	for _, class := range classes {
		entry := enrolledClass{ID: class.ID, ClassName: class.Name}
		teacher, err := s.store.GetUser(r.Context(), class.TeacherID)
		switch {
		case err == nil:
			summary := toUserResponse(teacher)
			summary.Role = ""
			entry.Teacher = &summary
		case !errors.Is(err, interfaces.ErrUserNotFound):
			writeFailure(w, "enrolled classes", err)
			return
		}
		out = append(out, entry)
	}
	writeData(w, http.StatusOK, out)
}
