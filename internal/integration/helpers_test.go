package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"rollcall/internal/app"
	"rollcall/internal/config"
	"rollcall/pkg/types"
)

// startServer runs a full application on an ephemeral port
func startServer(t *testing.T) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "rollcall.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Auth.BcryptCost = 4

	application, err := app.NewApplication(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	return application.GetAddr()
}

type client struct {
	t     *testing.T
	base  string
	token string
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *client) call(method, path string, body interface{}) (int, apiResponse) {
	c.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, "http://"+c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.t.Fatalf("Failed to decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// register creates an account and returns a logged-in client plus the user id
func register(t *testing.T, base, name string, role types.Role) (*client, string) {
	t.Helper()
	anon := &client{t: t, base: base}

	status, resp := anon.call(http.MethodPost, "/auth/signup", map[string]string{
		"name": name, "email": name + "@school.test", "password": "secret123", "role": string(role),
	})
	if status != http.StatusCreated {
		t.Fatalf("Signup %s failed: %d %s", name, status, resp.Error)
	}
	var user struct {
		ID string `json:"_id"`
	}
	_ = json.Unmarshal(resp.Data, &user)

	status, resp = anon.call(http.MethodPost, "/auth/login", map[string]string{
		"email": name + "@school.test", "password": "secret123",
	})
	if status != http.StatusOK {
		t.Fatalf("Login %s failed: %d %s", name, status, resp.Error)
	}
	var login struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(resp.Data, &login)

	return &client{t: t, base: base, token: login.Token}, user.ID
}

type wsClient struct {
	t    *testing.T
	conn *gorillaws.Conn
}

func (c *client) dial() *wsClient {
	c.t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+c.base+"/ws?token="+c.token, nil)
	if err != nil {
		c.t.Fatalf("Failed to dial: %v", err)
	}
	c.t.Cleanup(func() { _ = conn.Close() })

	ws := &wsClient{t: c.t, conn: conn}
	ws.expect(types.EventConnected)
	return ws
}

func (w *wsClient) send(event string, data interface{}) {
	w.t.Helper()
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		w.t.Fatalf("Failed to build envelope: %v", err)
	}
	if err := w.conn.WriteJSON(env); err != nil {
		w.t.Fatalf("Failed to send %s: %v", event, err)
	}
}

func (w *wsClient) sendRaw(frame string) {
	w.t.Helper()
	if err := w.conn.WriteMessage(gorillaws.TextMessage, []byte(frame)); err != nil {
		w.t.Fatalf("Failed to send frame: %v", err)
	}
}

// expect reads the next envelope and checks its event name
func (w *wsClient) expect(event string) json.RawMessage {
	w.t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env types.Envelope
	if err := w.conn.ReadJSON(&env); err != nil {
		w.t.Fatalf("Failed waiting for %s: %v", event, err)
	}
	if env.Event != event {
		w.t.Fatalf("Expected %s, got %s %s", event, env.Event, string(env.Data))
	}
	return env.Data
}

func (w *wsClient) expectError(message string) {
	w.t.Helper()
	var payload types.ErrorPayload
	_ = json.Unmarshal(w.expect(types.EventError), &payload)
	if payload.Message != message {
		w.t.Errorf("Expected error %q, got %q", message, payload.Message)
	}
}
