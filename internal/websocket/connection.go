package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// sendBufferSize is the number of queued frames a client may lag behind
const sendBufferSize = 100

// Connection implements interfaces.Connection.
// All socket writes happen on one goroutine; the hub and the read pump only enqueue.
type Connection struct {
	id            string
	conn          *websocket.Conn
	writeCh       chan []byte
	writeTimeout  time.Duration
	userID        string
	role          types.Role
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, sendBufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("websocket: write failed conn=%s user=%s: %v", c.id, c.GetUserID(), err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v without blocking. A client whose buffer is full is
// disconnected so one slow reader cannot stall broadcasts to the rest.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		log.Printf("websocket: dropping slow consumer conn=%s user=%s", c.id, c.GetUserID())
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket; safe to call more than once
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// SetCredentials binds the verified identity. It may only be called once.
func (c *Connection) SetCredentials(userID string, role types.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authenticated {
		return ErrCredentialsAlreadyBound
	}
	c.userID = userID
	c.role = role
	c.authenticated = true
	return nil
}

func (c *Connection) GetID() string {
	return c.id
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}
