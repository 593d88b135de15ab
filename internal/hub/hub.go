// Package hub fans session events out to every open realtime connection.
package hub

import (
	"context"
	"log"
	"sync"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Recipients lists the connections a broadcast reaches
type Recipients interface {
	Connections() []interfaces.Connection
}

// Hub owns the single goroutine that writes broadcasts, so every connection
// observes envelopes in the order they were queued
type Hub struct {
	// holds a burst of marks from a full classroom
	broadcastChannel chan *types.Envelope
	shutdownChannel  chan struct{}
	done             chan struct{}

	recipients Recipients
	metrics    *metrics.Metrics

	running bool
	mu      sync.RWMutex
}

var _ interfaces.Broadcaster = (*Hub)(nil)

// NewHub creates a hub delivering to recipients; m may be nil
func NewHub(recipients Recipients, m *metrics.Metrics) *Hub {
	return &Hub{
		broadcastChannel: make(chan *types.Envelope, 1000),
		recipients:       recipients,
		metrics:          m,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Println("hub: starting")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop delivers what is already queued and shuts the loop down
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	log.Println("hub: stopped")
	return nil
}

// IsRunning reports whether the loop accepts broadcasts
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Broadcast queues env for every connection. It never blocks; callers may hold locks.
func (h *Hub) Broadcast(env *types.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.broadcastChannel <- env:
		h.metrics.Broadcast("queued")
		return nil
	default:
		h.metrics.Broadcast("dropped")
		return ErrBroadcastChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case env := <-h.broadcastChannel:
			h.deliver(env)

		case <-shutdown:
			h.drain()
			return

		case <-ctx.Done():
			log.Println("hub: context cancelled")
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case env := <-h.broadcastChannel:
			h.deliver(env)
		default:
			return
		}
	}
}

// deliver writes env to each connection; a failing connection does not affect the others
func (h *Hub) deliver(env *types.Envelope) {
	for _, conn := range h.recipients.Connections() {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("hub: deliver %s to connection %s (user %s) failed: %v",
				env.Event, conn.GetID(), conn.GetUserID(), err)
		}
	}
}
