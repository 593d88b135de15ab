package websocket

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

const msgUnauthorized = "Unauthorized or invalid token"

// Config tunes the realtime endpoint
type Config struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultConfig returns the heartbeat and buffer settings used in classrooms
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Handler upgrades HTTP requests, authenticates them and runs their read pumps
type Handler struct {
	registry *Registry
	verifier interfaces.CredentialVerifier
	router   interfaces.EventRouter
	config   Config
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
}

// NewHandler creates a realtime handler; m may be nil
func NewHandler(registry *Registry, verifier interfaces.CredentialVerifier, router interfaces.EventRouter, config Config, m *metrics.Metrics) *Handler {
	h := &Handler{
		registry: registry,
		verifier: verifier,
		router:   router,
		config:   config,
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows every origin unless an allow list is configured
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and verifies its credential once.
// A bad credential gets an ERROR frame and a policy-violation close.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	actor, err := h.authenticate(r)
	if err != nil {
		log.Printf("websocket: rejected connection remote=%s: %v", r.RemoteAddr, err)
		h.metrics.Rejected("connect", "unauthorized")
		rejectConnection(conn, h.config.WriteTimeout)
		return
	}

	wsConn := NewConnection(conn, h.config.WriteTimeout)
	if err := wsConn.SetCredentials(actor.UserID, actor.Role); err != nil {
		log.Printf("websocket: failed to set credentials: %v", err)
		_ = wsConn.Close()
		return
	}

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("websocket: failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	log.Printf("websocket: connected conn=%s user=%s role=%s", wsConn.GetID(), actor.UserID, actor.Role)

	if env, err := types.NewEnvelope(types.EventConnected, actor); err == nil {
		if err := wsConn.WriteJSON(env); err != nil {
			log.Printf("websocket: failed to send CONNECTED to %s: %v", actor.UserID, err)
		}
	}

	go h.handleConnection(wsConn)
}

func (h *Handler) authenticate(r *http.Request) (types.Actor, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if token == "" {
		return types.Actor{}, ErrMissingToken
	}
	return h.verifier.Verify(token)
}

func rejectConnection(conn *websocket.Conn, writeTimeout time.Duration) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.SetWriteDeadline(deadline)

	if env, err := types.NewEnvelope(types.EventError, types.ErrorPayload{Message: msgUnauthorized}); err == nil {
		_ = conn.WriteJSON(env)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msgUnauthorized), deadline)
	_ = conn.Close()
}

// handleConnection runs the read pump. Frames from one connection are routed
// in arrival order; the pump exits when the client goes away or misses pongs.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		log.Printf("websocket: disconnected conn=%s user=%s", conn.GetID(), conn.GetUserID())
	}()

	conn.conn.SetReadLimit(h.config.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		log.Printf("websocket: failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: read error conn=%s: %v", conn.GetID(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		h.router.Route(conn.Context(), conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
