package api

import (
	"context"
	"net/http"

	"rollcall/pkg/types"
)

type actorKey struct{}

// authMiddleware verifies the bearer token and stores the actor on the context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		actor, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) types.Actor {
	actor, _ := ctx.Value(actorKey{}).(types.Actor)
	return actor
}

// requireRole rejects callers whose token carries a different role
func requireRole(role types.Role) func(http.Handler) http.Handler {
	message := msgTeacherRequired
	if role == types.RoleStudent {
		message = msgStudentRequired
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actorFromContext(r.Context()).Role != role {
				writeError(w, http.StatusForbidden, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware enables browser clients on another origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
