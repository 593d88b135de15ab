// Package router decodes inbound realtime envelopes and dispatches them to the session engine.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"rollcall/internal/engine"
	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

type eventHandler func(ctx context.Context, actor types.Actor, conn interfaces.Connection, data json.RawMessage) error

// Router implements interfaces.EventRouter
type Router struct {
	engine      interfaces.SessionEngine
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	handlers    map[string]eventHandler
}

var _ interfaces.EventRouter = (*Router)(nil)

// NewRouter creates a router over sessions; m may be nil
func NewRouter(sessions interfaces.SessionEngine, limiter *RateLimiter, m *metrics.Metrics) *Router {
	r := &Router{
		engine:      sessions,
		rateLimiter: limiter,
		metrics:     m,
	}
	r.handlers = map[string]eventHandler{
		types.EventAttendanceMarked: r.handleMark,
		types.EventTodaySummary:     r.handleSummary,
		types.EventMyAttendance:     r.handleMyAttendance,
		types.EventDone:             r.handleDone,
	}
	return r
}

// Route handles one frame. Failures are answered to the sender with an
// ERROR envelope; the connection is never closed here.
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, raw []byte) {
	event, err := r.dispatch(ctx, conn, raw)
	if err == nil {
		r.metrics.MessageHandled(event, "ok")
		return
	}

	r.metrics.MessageHandled(event, "error")
	if err := SendError(conn, Message(err)); err != nil {
		log.Printf("router: failed to send error to %s: %v", conn.GetUserID(), err)
	}
}

func (r *Router) dispatch(ctx context.Context, conn interfaces.Connection, raw []byte) (string, error) {
	if !conn.IsAuthenticated() {
		return "", ErrNotAuthenticated
	}
	actor := types.Actor{UserID: conn.GetUserID(), Role: conn.GetRole()}

	if r.rateLimiter != nil && !r.rateLimiter.Allow(actor.UserID) {
		return "", ErrRateLimitExceeded
	}

	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", ErrInvalidJSON
	}
	if err := env.Validate(); err != nil {
		return "", ErrInvalidEnvelope
	}

	handler, ok := r.handlers[env.Event]
	if !ok {
		return "unknown", ErrUnknownEvent
	}
	return env.Event, handler(ctx, actor, conn, env.Data)
}

func (r *Router) handleMark(ctx context.Context, actor types.Actor, conn interfaces.Connection, data json.RawMessage) error {
	// An undecodable payload is passed on empty so the role check still runs first
	var payload types.MarkPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			payload = types.MarkPayload{}
		}
	}
	return r.engine.Mark(ctx, actor, payload.StudentID, payload.Status)
}

func (r *Router) handleSummary(ctx context.Context, actor types.Actor, conn interfaces.Connection, data json.RawMessage) error {
	_, err := r.engine.Summary(ctx, actor)
	return err
}

func (r *Router) handleMyAttendance(ctx context.Context, actor types.Actor, conn interfaces.Connection, data json.RawMessage) error {
	status, err := r.engine.MyStatus(ctx, actor)
	if err != nil {
		return err
	}
	env, err := types.NewEnvelope(types.EventMyAttendance, map[string]string{"status": status})
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (r *Router) handleDone(ctx context.Context, actor types.Actor, conn interfaces.Connection, data json.RawMessage) error {
	_, err := r.engine.Commit(ctx, actor)
	return err
}

// StartCleanup prunes idle rate limiter state every interval until ctx is done
func (r *Router) StartCleanup(ctx context.Context, interval time.Duration) {
	if r.rateLimiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.rateLimiter.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Message returns the client-facing text for a routing or engine error
func Message(err error) string {
	for kind, msg := range transportMessages {
		if errors.Is(err, kind) {
			return msg
		}
	}
	return engine.Message(err)
}

// SendError unicasts an ERROR envelope
func SendError(conn interfaces.Connection, message string) error {
	env, err := types.NewEnvelope(types.EventError, types.ErrorPayload{Message: message})
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}
