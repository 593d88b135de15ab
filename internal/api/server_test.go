package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/auth"
	"rollcall/internal/database"
	"rollcall/internal/engine"
	"rollcall/internal/session"
	dbconfig "rollcall/pkg/database"
	"rollcall/pkg/types"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(env *types.Envelope) error { return nil }

type staticRegistry struct{}

func (staticRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 2}
}

type testEnv struct {
	server *httptest.Server
	engine *engine.Engine
	store  *database.Manager
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	store, err := database.NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, dbconfig.NewMigrationManager(store.GetDB(), dbconfig.DriverSQLite).ApplyMigrations())

	tokens, err := auth.NewAuthenticator("test-secret", "rollcall", time.Hour)
	require.NoError(t, err)

	eng := engine.NewEngine(session.NewRegistry(), store, store, nopBroadcaster{}, engine.DefaultConfig(), nil)
	api := NewServer(store, eng, tokens, staticRegistry{}, nil, Config{BcryptCost: bcrypt.MinCost})

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return &testEnv{server: server, engine: eng, store: store}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// register signs a user up and logs them in, returning id and token
func (e *testEnv) register(t *testing.T, name string, role types.Role) (string, string) {
	t.Helper()

	status, resp := e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"name": name, "email": name + "@school.test", "password": "secret123", "role": string(role),
	})
	require.Equal(t, http.StatusCreated, status, resp.Error)
	var user userResponse
	require.NoError(t, json.Unmarshal(resp.Data, &user))

	status, resp = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": name + "@school.test", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, status, resp.Error)
	var login map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &login))

	return user.ID, login["token"]
}

func (e *testEnv) createClass(t *testing.T, token, name string) string {
	t.Helper()
	status, resp := e.do(t, http.MethodPost, "/class", token, map[string]string{"className": name})
	require.Equal(t, http.StatusCreated, status, resp.Error)
	var class types.Class
	require.NoError(t, json.Unmarshal(resp.Data, &class))
	return class.ID
}

func TestAuth_SignupLoginMe(t *testing.T) {
	env := setupTestServer(t)
	id, token := env.register(t, "ada", types.RoleTeacher)

	status, resp := env.do(t, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	var me userResponse
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, id, me.ID)
	assert.Equal(t, "ada@school.test", me.Email)
	assert.Equal(t, types.RoleTeacher, me.Role)

	status, resp = env.do(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"name": "Ada", "email": "ADA@school.test", "password": "secret123", "role": "teacher",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Email already exists", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "ada@school.test", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid email or password", resp.Error)

	status, _ = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "nobody@school.test", "password": "secret123",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuth_SignupValidation(t *testing.T) {
	env := setupTestServer(t)

	bodies := []map[string]string{
		{"name": "x", "email": "not-an-email", "password": "secret123", "role": "teacher"},
		{"name": "x", "email": "x@school.test", "password": "short", "role": "teacher"},
		{"name": "x", "email": "x@school.test", "password": "secret123", "role": "admin"},
		{"name": "  ", "email": "x@school.test", "password": "secret123", "role": "student"},
	}
	for _, body := range bodies {
		status, resp := env.do(t, http.MethodPost, "/auth/signup", "", body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.Equal(t, "Invalid request schema", resp.Error)
		assert.False(t, resp.Success)
	}
}

func TestAuth_MissingOrBadToken(t *testing.T) {
	env := setupTestServer(t)

	for _, token := range []string{"", "garbage"} {
		status, resp := env.do(t, http.MethodGet, "/classes/enrolled", token, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Unauthorized, token missing or invalid", resp.Error)
	}
}

func TestClasses_Lifecycle(t *testing.T) {
	env := setupTestServer(t)
	teacherID, teacher := env.register(t, "grace", types.RoleTeacher)
	_, otherTeacher := env.register(t, "alan", types.RoleTeacher)
	studentID, student := env.register(t, "linus", types.RoleStudent)
	_, outsider := env.register(t, "ken", types.RoleStudent)

	status, resp := env.do(t, http.MethodPost, "/class", student, map[string]string{"className": "Nope"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden, teacher access required", resp.Error)

	classID := env.createClass(t, teacher, "Compilers")

	status, resp = env.do(t, http.MethodPost, "/class/"+classID+"/add-student", otherTeacher, map[string]string{"studentId": studentID})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden, not class teacher", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/class/"+classID+"/add-student", teacher, map[string]string{"studentId": teacherID})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Student not found", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/class/"+classID+"/add-student", teacher, map[string]string{"studentId": studentID})
	require.Equal(t, http.StatusOK, status, resp.Error)
	var class types.Class
	require.NoError(t, json.Unmarshal(resp.Data, &class))
	assert.Equal(t, []string{studentID}, class.StudentIDs)

	status, resp = env.do(t, http.MethodGet, "/class/"+classID, student, nil)
	require.Equal(t, http.StatusOK, status)
	var detail classDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	require.Len(t, detail.Students, 1)
	assert.Equal(t, "linus", detail.Students[0].Name)

	status, _ = env.do(t, http.MethodGet, "/class/"+classID, outsider, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp = env.do(t, http.MethodGet, "/class/missing", teacher, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Class not found", resp.Error)

	status, resp = env.do(t, http.MethodGet, "/classes/my-classes", teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var mine []teacherClass
	require.NoError(t, json.Unmarshal(resp.Data, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].StudentCount)

	status, resp = env.do(t, http.MethodGet, "/classes/enrolled", student, nil)
	require.Equal(t, http.StatusOK, status)
	var enrolled []enrolledClass
	require.NoError(t, json.Unmarshal(resp.Data, &enrolled))
	require.Len(t, enrolled, 1)
	require.NotNil(t, enrolled[0].Teacher)
	assert.Equal(t, teacherID, enrolled[0].Teacher.ID)

	status, resp = env.do(t, http.MethodGet, "/students", teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var students []userResponse
	require.NoError(t, json.Unmarshal(resp.Data, &students))
	assert.Len(t, students, 2)

	status, _ = env.do(t, http.MethodPut, "/class/"+classID, teacher, map[string]string{"className": "Compilers II"})
	assert.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodDelete, "/class/"+classID+"/remove-student/"+studentID, teacher, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &class))
	assert.Empty(t, class.StudentIDs)
	assert.Equal(t, "Compilers II", class.Name)

	status, _ = env.do(t, http.MethodDelete, "/class/"+classID, teacher, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/class/"+classID, teacher, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAttendance_SessionAndHistory(t *testing.T) {
	env := setupTestServer(t)
	teacherID, teacher := env.register(t, "grace", types.RoleTeacher)
	_, otherTeacher := env.register(t, "alan", types.RoleTeacher)
	s1, student := env.register(t, "linus", types.RoleStudent)
	s2, _ := env.register(t, "ken", types.RoleStudent)

	classID := env.createClass(t, teacher, "Compilers")
	for _, id := range []string{s1, s2} {
		status, _ := env.do(t, http.MethodPost, "/class/"+classID+"/add-student", teacher, map[string]string{"studentId": id})
		require.Equal(t, http.StatusOK, status)
	}

	status, resp := env.do(t, http.MethodPost, "/attendance/start", otherTeacher, map[string]string{"classId": classID})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden, not class teacher", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/attendance/start", teacher, map[string]string{"classId": "missing"})
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = env.do(t, http.MethodPost, "/attendance/start", teacher, map[string]string{"classId": classID})
	require.Equal(t, http.StatusOK, status, resp.Error)
	var info types.SessionInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, classID, info.ClassID)

	status, _ = env.do(t, http.MethodDelete, "/class/"+classID, teacher, nil)
	assert.Equal(t, http.StatusConflict, status)

	ctx := context.Background()
	teacherActor := types.Actor{UserID: teacherID, Role: types.RoleTeacher}
	require.NoError(t, env.engine.Mark(ctx, teacherActor, s1, types.StatusPresent))

	status, resp = env.do(t, http.MethodGet, "/attendance/active", teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var active activeSession
	require.NoError(t, json.Unmarshal(resp.Data, &active))
	assert.Equal(t, types.StatusPresent, active.Attendance[s1])
	require.NotNil(t, active.Summary)
	assert.Equal(t, 1, active.Summary.Present)

	status, resp = env.do(t, http.MethodGet, "/attendance/active", student, nil)
	require.Equal(t, http.StatusOK, status)
	active = activeSession{}
	require.NoError(t, json.Unmarshal(resp.Data, &active))
	assert.Nil(t, active.Attendance)
	assert.Equal(t, classID, active.ClassID)

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/my-attendance", student, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"classId":"`+classID+`","status":null}`, string(resp.Data))

	result, err := env.engine.Commit(ctx, teacherActor)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)

	status, resp = env.do(t, http.MethodGet, "/attendance/active", teacher, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", string(resp.Data))

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/my-attendance", student, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"classId":"`+classID+`","status":"present"}`, string(resp.Data))

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/attendance", teacher, nil)
	require.Equal(t, http.StatusOK, status)
	var history struct {
		Date    string                   `json:"date"`
		Records []types.AttendanceRecord `json:"records"`
		Summary types.Tally              `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	assert.Len(t, history.Records, 2)
	assert.Equal(t, types.Tally{Present: 1, Absent: 1, Total: 2}, history.Summary)
	assert.Equal(t, info.StartedAt.UTC().Format(types.SessionDateLayout), history.Date)

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/attendance?date=yesterday", teacher, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/attendance", student, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden, teacher access required", resp.Error)
}

func TestAttendance_StopAndErrors(t *testing.T) {
	env := setupTestServer(t)
	_, teacher := env.register(t, "grace", types.RoleTeacher)
	_, student := env.register(t, "linus", types.RoleStudent)
	classID := env.createClass(t, teacher, "Compilers")

	status, resp := env.do(t, http.MethodPost, "/attendance/stop", teacher, map[string]string{"classId": classID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "No active attendance session", resp.Error)

	status, _ = env.do(t, http.MethodPost, "/attendance/start", teacher, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/attendance/start", teacher, map[string]string{"classId": classID})
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/class/"+classID+"/my-attendance", student, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden, student not enrolled in class", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/attendance/stop", teacher, map[string]string{"classId": classID})
	require.Equal(t, http.StatusOK, status, resp.Error)
	assert.Nil(t, env.engine.Active())
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Connections["total_connections"])
	assert.Nil(t, health.Session)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/class", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
