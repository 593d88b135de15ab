package interfaces

import (
	"context"

	"rollcall/pkg/types"
)

// Broadcaster delivers an envelope to every open connection
type Broadcaster interface {
	// Broadcast queues the envelope; delivery order follows call order
	Broadcast(env *types.Envelope) error
}

// EventRouter dispatches one inbound frame from a connection
type EventRouter interface {
	// Route handles the frame and answers the sender itself on failure
	Route(ctx context.Context, conn Connection, raw []byte)
}
