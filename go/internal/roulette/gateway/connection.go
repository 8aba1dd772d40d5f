package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Close codes sent to clients whose connection is refused after the upgrade.
const (
	CloseAuthenticationFailed = websocket.ClosePolicyViolation // 1008
	CloseMembershipDenied     = 4003
	CloseSessionUnavailable   = 4000
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueSize   int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Connection is one client socket. Frames are queued by Send and written by
// the write pump; reads happen on the goroutine that calls readPump.
type Connection struct {
	id        string
	userID    int64
	sessionID int64
	conn      *websocket.Conn
	config    ConnectionConfig

	mu         sync.Mutex
	send       chan []byte
	closed     bool
	closeFrame []byte

	done        chan struct{}
	connectedAt time.Time
}

func newConnection(ws *websocket.Conn, sessionID int64, config ConnectionConfig) *Connection {
	return &Connection{
		id:          uuid.New().String(),
		sessionID:   sessionID,
		conn:        ws,
		config:      config,
		send:        make(chan []byte, config.SendQueueSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func (c *Connection) ID() string { return c.id }

// Send queues a frame without blocking.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close flushes the queued frames, sends a close frame with code and reason
// and shuts the socket. Later calls are no-ops.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeFrame = websocket.FormatCloseMessage(code, reason)
	close(c.send)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if !ok {
				c.mu.Lock()
				frame := c.closeFrame
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, frame)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames until the socket fails or closes, handing
// each one to handle.
func (c *Connection) readPump(handle func(frame []byte)) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		log.Debug().
			Str("connection_id", c.id).
			Int64("user_id", c.userID).
			Int("bytes", len(message)).
			Msg("received client message")

		handle(message)
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}
