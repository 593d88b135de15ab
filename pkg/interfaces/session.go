package interfaces

import (
	"context"
	"time"

	"rollcall/pkg/types"
)

// SessionEngine runs the live attendance session state machine.
// Every operation checks the actor's role and ownership before touching state.
type SessionEngine interface {
	Start(ctx context.Context, actor types.Actor, classID string) (*types.SessionInfo, error)
	Stop(ctx context.Context, actor types.Actor, classID string) (time.Time, error)
	Mark(ctx context.Context, actor types.Actor, studentID string, status types.Status) error
	Summary(ctx context.Context, actor types.Actor) (types.Tally, error)
	MyStatus(ctx context.Context, actor types.Actor) (string, error)
	Commit(ctx context.Context, actor types.Actor) (*types.CommitResult, error)

	// Active returns a snapshot of the current session, or nil when idle
	Active() *types.Session
}
