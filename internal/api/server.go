// Package api serves the REST surface: accounts, classes, enrollment and attendance.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Registry exposes connection statistics without coupling to the websocket package
type Registry interface {
	GetStats() map[string]int
}

// TokenIssuer signs and verifies access tokens
type TokenIssuer interface {
	interfaces.CredentialVerifier
	Issue(userID string, role types.Role) (string, error)
}

// Config tunes the API
type Config struct {
	BcryptCost     int
	AllowedOrigins string
}

// Server is the HTTP API. It holds no business logic of its own; session
// operations go through the engine and everything else through the store.
type Server struct {
	store     interfaces.DatabaseManager
	sessions  interfaces.SessionEngine
	tokens    TokenIssuer
	registry  Registry
	metrics   *metrics.Metrics
	config    Config
	validate  *validator.Validate
	router    chi.Router
	startedAt time.Time
}

// NewServer wires the API routes; m may be nil
func NewServer(store interfaces.DatabaseManager, sessions interfaces.SessionEngine, tokens TokenIssuer, registry Registry, m *metrics.Metrics, config Config) *Server {
	if config.AllowedOrigins == "" {
		config.AllowedOrigins = "*"
	}
	s := &Server{
		store:     store,
		sessions:  sessions,
		tokens:    tokens,
		registry:  registry,
		metrics:   m,
		config:    config,
		validate:  newValidator(),
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.With(s.authMiddleware).Get("/me", s.handleMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(requireRole(types.RoleTeacher)).Post("/class", s.handleCreateClass)
		r.Get("/class/{id}", s.handleGetClass)
		r.With(requireRole(types.RoleTeacher)).Put("/class/{id}", s.handleRenameClass)
		r.With(requireRole(types.RoleTeacher)).Delete("/class/{id}", s.handleDeleteClass)
		r.With(requireRole(types.RoleTeacher)).Post("/class/{id}/add-student", s.handleAddStudent)
		r.With(requireRole(types.RoleTeacher)).Delete("/class/{id}/remove-student/{studentId}", s.handleRemoveStudent)
		r.With(requireRole(types.RoleTeacher)).Get("/class/{id}/attendance", s.handleClassAttendance)
		r.With(requireRole(types.RoleStudent)).Get("/class/{id}/my-attendance", s.handleMyAttendance)

		r.With(requireRole(types.RoleTeacher)).Get("/students", s.handleListStudents)
		r.With(requireRole(types.RoleTeacher)).Get("/classes/my-classes", s.handleMyClasses)
		r.Get("/classes/enrolled", s.handleEnrolledClasses)

		r.With(requireRole(types.RoleTeacher)).Post("/attendance/start", s.handleStartSession)
		r.With(requireRole(types.RoleTeacher)).Post("/attendance/stop", s.handleStopSession)
		r.Get("/attendance/active", s.handleActiveSession)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.router = r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HealthResponse reports component health
type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Session     *types.SessionInfo     `json:"session"`
	System      map[string]interface{} `json:"system"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
		log.Printf("api: health check failed: %v", err)
	}

	var session *types.SessionInfo
	if active := s.sessions.Active(); active != nil {
		session = &types.SessionInfo{ClassID: active.ClassID, StartedAt: active.StartedAt}
	}

	var connections map[string]int
	if s.registry != nil {
		connections = s.registry.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		Session:     session,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}
