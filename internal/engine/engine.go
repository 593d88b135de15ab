// Package engine runs the live attendance session state machine on top of the session registry.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"rollcall/internal/metrics"
	"rollcall/internal/session"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Config tunes the engine
type Config struct {
	// StrictOwnership re-checks on Mark, Summary and Commit that the actor
	// is the teacher who started the session
	StrictOwnership bool

	// StoreTimeout bounds each roster lookup and attendance write
	StoreTimeout time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{StrictOwnership: true, StoreTimeout: 10 * time.Second}
}

// Engine implements interfaces.SessionEngine
type Engine struct {
	registry    *session.Registry
	rosters     interfaces.RosterProvider
	store       interfaces.AttendanceStore
	broadcaster interfaces.Broadcaster
	metrics     *metrics.Metrics
	config      Config
	now         func() time.Time
}

var _ interfaces.SessionEngine = (*Engine)(nil)

// NewEngine creates an engine; m may be nil
func NewEngine(
	registry *session.Registry,
	rosters interfaces.RosterProvider,
	store interfaces.AttendanceStore,
	broadcaster interfaces.Broadcaster,
	config Config,
	m *metrics.Metrics,
) *Engine {
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultConfig().StoreTimeout
	}
	return &Engine{
		registry:    registry,
		rosters:     rosters,
		store:       store,
		broadcaster: broadcaster,
		metrics:     m,
		config:      config,
		now:         time.Now,
	}
}

// Active returns a snapshot of the current session, or nil when idle
func (e *Engine) Active() *types.Session {
	return e.registry.Get()
}

// Start replaces the slot with a fresh session for classID.
// An unfinished session is discarded without persisting.
func (e *Engine) Start(ctx context.Context, actor types.Actor, classID string) (*types.SessionInfo, error) {
	c := capabilities[OpStart]
	if err := c.checkRole(actor); err != nil {
		return nil, e.reject(err)
	}
	if classID == "" {
		return nil, e.reject(opError(c.op, ErrInvalidPayload, msgClassIDRequired, nil))
	}
	roster, err := e.lookupRoster(ctx, c.op, classID)
	if err != nil {
		return nil, e.reject(err)
	}
	if err := c.checkClassOwner(actor, roster); err != nil {
		return nil, e.reject(err)
	}

	s := &types.Session{
		ClassID:    classID,
		TeacherID:  actor.UserID,
		StartedAt:  e.now().UTC(),
		Attendance: make(map[string]types.Status),
	}

	err = e.registry.Update(func(tx *session.Txn) error {
		if tx.State() == session.StateCommitting {
			return opError(c.op, ErrCommitInProgress, msgCommitInProgress, nil)
		}
		if prev := tx.Session(); prev != nil {
			log.Printf("engine: discarding unfinished session class=%s marks=%d", prev.ClassID, len(prev.Attendance))
		}
		if err := tx.Set(s); err != nil {
			return opError(c.op, ErrInternal, msgServerError, err)
		}
		e.publish(types.EventSessionStarted, types.SessionInfo{ClassID: s.ClassID, StartedAt: s.StartedAt})
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	log.Printf("engine: session started class=%s teacher=%s", classID, actor.UserID)
	e.metrics.SessionStarted()
	return &types.SessionInfo{ClassID: s.ClassID, StartedAt: s.StartedAt}, nil
}

// Stop discards the active session of classID without persisting
func (e *Engine) Stop(ctx context.Context, actor types.Actor, classID string) (time.Time, error) {
	c := capabilities[OpStop]
	if err := c.checkRole(actor); err != nil {
		return time.Time{}, e.reject(err)
	}
	if classID == "" {
		return time.Time{}, e.reject(opError(c.op, ErrInvalidPayload, msgClassIDRequired, nil))
	}
	roster, err := e.lookupRoster(ctx, c.op, classID)
	if err != nil {
		return time.Time{}, e.reject(err)
	}
	if err := c.checkClassOwner(actor, roster); err != nil {
		return time.Time{}, e.reject(err)
	}

	var endedAt time.Time
	err = e.registry.Update(func(tx *session.Txn) error {
		if tx.State() == session.StateCommitting {
			return opError(c.op, ErrCommitInProgress, msgCommitInProgress, nil)
		}
		current := tx.Session()
		if current == nil || current.ClassID != classID {
			return opError(c.op, ErrNoActiveSession, msgNoActiveSession, nil)
		}
		if err := tx.Clear(); err != nil {
			return opError(c.op, ErrInternal, msgServerError, err)
		}
		endedAt = e.now().UTC()
		e.publish(types.EventSessionStopped, map[string]interface{}{"classId": classID, "endedAt": endedAt})
		return nil
	})
	if err != nil {
		return time.Time{}, e.reject(err)
	}

	log.Printf("engine: session stopped class=%s teacher=%s", classID, actor.UserID)
	e.metrics.SessionStopped()
	return endedAt, nil
}

// Mark sets one student's status; the last write wins
func (e *Engine) Mark(ctx context.Context, actor types.Actor, studentID string, status types.Status) error {
	c := capabilities[OpMark]
	if err := c.checkRole(actor); err != nil {
		return e.reject(err)
	}

	payload := types.MarkPayload{StudentID: studentID, Status: status}
	err := e.registry.Update(func(tx *session.Txn) error {
		current := tx.Session()
		if current == nil {
			return opError(c.op, ErrNoActiveSession, msgNoActiveSession, nil)
		}
		if tx.State() == session.StateCommitting {
			return opError(c.op, ErrCommitInProgress, msgCommitInProgress, nil)
		}
		if err := c.checkSessionOwner(e.config.StrictOwnership, actor, current); err != nil {
			return err
		}
		if err := payload.Validate(); err != nil {
			return opError(c.op, ErrInvalidPayload, msgInvalidMark, err)
		}

		current.Attendance[payload.StudentID] = payload.Status
		e.publish(types.EventAttendanceMarked, payload)
		return nil
	})
	if err != nil {
		return e.reject(err)
	}

	e.metrics.Marked(string(status))
	return nil
}

// Summary tallies the marks made so far and broadcasts the result
func (e *Engine) Summary(ctx context.Context, actor types.Actor) (types.Tally, error) {
	c := capabilities[OpSummary]
	if err := c.checkRole(actor); err != nil {
		return types.Tally{}, e.reject(err)
	}

	var tally types.Tally
	err := e.registry.Update(func(tx *session.Txn) error {
		current := tx.Session()
		if current == nil {
			return opError(c.op, ErrNoActiveSession, msgNoActiveSession, nil)
		}
		if err := c.checkSessionOwner(e.config.StrictOwnership, actor, current); err != nil {
			return err
		}
		tally = types.CountStatuses(current.Attendance)
		e.publish(types.EventTodaySummary, tally)
		return nil
	})
	if err != nil {
		return types.Tally{}, e.reject(err)
	}
	return tally, nil
}

// MyStatus reports the calling student's own entry
func (e *Engine) MyStatus(ctx context.Context, actor types.Actor) (string, error) {
	c := capabilities[OpMyStatus]
	if err := c.checkRole(actor); err != nil {
		return "", e.reject(err)
	}

	current := e.registry.Get()
	if current == nil {
		return "", e.reject(opError(c.op, ErrNoActiveSession, msgNoActiveSession, nil))
	}
	if status, ok := current.Attendance[actor.UserID]; ok {
		return string(status), nil
	}
	return types.StatusNotYetUpdated, nil
}

// Commit reconciles the session against the full roster, persists one record
// per enrolled student and clears the slot. On failure the session stays
// active and nothing is broadcast.
func (e *Engine) Commit(ctx context.Context, actor types.Actor) (*types.CommitResult, error) {
	c := capabilities[OpCommit]
	if err := c.checkRole(actor); err != nil {
		return nil, e.reject(err)
	}

	var snapshot *types.Session
	err := e.registry.Update(func(tx *session.Txn) error {
		current := tx.Session()
		if current == nil {
			return opError(c.op, ErrNoActiveSession, msgNoActiveSession, nil)
		}
		if err := c.checkSessionOwner(e.config.StrictOwnership, actor, current); err != nil {
			return err
		}
		var err error
		snapshot, err = tx.BeginCommit()
		if errors.Is(err, session.ErrCommitInProgress) {
			return opError(c.op, ErrCommitInProgress, msgCommitInProgress, nil)
		}
		if err != nil {
			return opError(c.op, ErrInternal, msgServerError, err)
		}
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	began := e.now()
	result, err := e.persist(ctx, c.op, snapshot)
	if err != nil {
		if abortErr := e.registry.Update(func(tx *session.Txn) error { return tx.AbortCommit() }); abortErr != nil {
			log.Printf("engine: abort commit failed: %v", abortErr)
		}
		log.Printf("engine: commit failed class=%s: %v", snapshot.ClassID, err)
		e.metrics.Committed(false, e.now().Sub(began))
		return nil, e.reject(err)
	}

	err = e.registry.Update(func(tx *session.Txn) error {
		if err := tx.FinishCommit(); err != nil {
			return opError(c.op, ErrInternal, msgServerError, err)
		}
		e.publish(types.EventDone, result)
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	log.Printf("engine: session committed class=%s present=%d absent=%d total=%d",
		snapshot.ClassID, result.Present, result.Absent, result.Total)
	e.metrics.Committed(true, e.now().Sub(began))
	return result, nil
}

// persist runs outside the registry lock
func (e *Engine) persist(ctx context.Context, op string, snapshot *types.Session) (*types.CommitResult, error) {
	roster, err := e.lookupRoster(ctx, op, snapshot.ClassID)
	if err != nil {
		return nil, err
	}

	statuses := Reconcile(snapshot.Attendance, roster.StudentIDs)
	recordedAt := e.now().UTC()
	sessionDate := snapshot.SessionDate()

	records := make([]types.AttendanceRecord, 0, len(statuses))
	for _, studentID := range roster.StudentIDs {
		status, ok := statuses[studentID]
		if !ok {
			continue
		}
		delete(statuses, studentID)
		records = append(records, types.AttendanceRecord{
			ClassID:     snapshot.ClassID,
			StudentID:   studentID,
			SessionDate: sessionDate,
			Status:      status,
			RecordedAt:  recordedAt,
		})
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	if err := e.store.SaveAttendance(storeCtx, records); err != nil {
		return nil, opError(op, ErrInternal, msgPersistFailed, err)
	}

	tally := types.Tally{Total: len(records)}
	for _, r := range records {
		if r.Status == types.StatusPresent {
			tally.Present++
		} else {
			tally.Absent++
		}
	}
	return &types.CommitResult{Message: "Attendance persisted", Tally: tally}, nil
}

// Reconcile maps every enrolled student to a final status. Unmarked students
// become absent; marks for ids outside the roster are dropped.
func Reconcile(marks map[string]types.Status, roster []string) map[string]types.Status {
	final := make(map[string]types.Status, len(roster))
	for _, studentID := range roster {
		if status, ok := marks[studentID]; ok {
			final[studentID] = status
			continue
		}
		final[studentID] = types.StatusAbsent
	}
	return final
}

func (e *Engine) lookupRoster(ctx context.Context, op, classID string) (*types.Roster, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	roster, err := e.rosters.GetRoster(lookupCtx, classID)
	if err != nil {
		if errors.Is(err, interfaces.ErrClassNotFound) {
			return nil, opError(op, ErrNotFound, msgClassNotFound, err)
		}
		return nil, opError(op, ErrInternal, msgServerError, err)
	}
	return roster, nil
}

// publish queues a broadcast. Callers hold the registry lock so queue order
// matches the order in which operations completed.
func (e *Engine) publish(event string, data interface{}) {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		log.Printf("engine: failed to encode %s: %v", event, err)
		return
	}
	if err := e.broadcaster.Broadcast(env); err != nil {
		log.Printf("engine: broadcast %s failed: %v", event, err)
	}
}

func (e *Engine) reject(err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		e.metrics.Rejected(opErr.Op, KindName(err))
		if errors.Is(err, ErrInternal) {
			log.Printf("engine: %v", err)
		}
	}
	return err
}
