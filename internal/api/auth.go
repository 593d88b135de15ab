package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/auth"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

type signupRequest struct {
	Name     string     `json:"name" validate:"required,notblank,max=100"`
	Email    string     `json:"email" validate:"required,email"`
	Password string     `json:"password" validate:"required,min=6,max=72"`
	Role     types.Role `json:"role" validate:"required,oneof=teacher student"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID    string     `json:"_id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Role  types.Role `json:"role,omitempty"`
}

func toUserResponse(u *types.User) userResponse {
	return userResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	hash, err := auth.HashPassword(req.Password, s.config.BcryptCost)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooShort) {
			writeError(w, http.StatusBadRequest, msgInvalidSchema)
			return
		}
		writeFailure(w, "signup", err)
		return
	}

	user := &types.User{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		Email:        normalizeEmail(req.Email),
		PasswordHash: hash,
		Role:         req.Role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, interfaces.ErrEmailExists) {
			writeError(w, http.StatusBadRequest, msgEmailExists)
			return
		}
		writeFailure(w, "signup", err)
		return
	}

	log.Printf("api: user created id=%s role=%s", user.ID, user.Role)
	writeMessage(w, http.StatusCreated, "User created successfully", toUserResponse(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidSchema)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, msgBadCredentials)
			return
		}
		writeFailure(w, "login", err)
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, msgBadCredentials)
			return
		}
		writeFailure(w, "login", err)
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		writeFailure(w, "login", err)
		return
	}

	writeMessage(w, http.StatusOK, "Login successful", map[string]string{"token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	user, err := s.store.GetUser(r.Context(), actor.UserID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, msgUserNotFound)
			return
		}
		writeFailure(w, "me", err)
		return
	}

	writeData(w, http.StatusOK, toUserResponse(user))
}
