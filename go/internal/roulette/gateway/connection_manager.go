package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager upgrades HTTP requests and keeps track of the live sockets
// so they can be closed on shutdown. Session membership of a socket is owned
// by the coordinator, not here.
type ConnectionManager struct {
	upgrader websocket.Upgrader
	config   ConnectionConfig

	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		connections: make(map[*Connection]struct{}),
	}
}

// Upgrade upgrades the request and starts the write pump of the new connection.
// On failure the upgrader has already answered the request.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, sessionID int64) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := newConnection(ws, sessionID, cm.config)
	cm.register(conn)
	go func() {
		conn.writePump()
		cm.unregister(conn)
	}()

	log.Debug().
		Str("connection_id", conn.id).
		Int64("session_id", sessionID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return conn, nil
}

// OpenConnections returns the number of sockets whose write pump is running.
func (cm *ConnectionManager) OpenConnections() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll sends a going-away close frame to every live socket.
func (cm *ConnectionManager) CloseAll(reason string) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, reason)
	}
	log.Info().Int("connections", len(conns)).Msg("closed all WebSocket connections")
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = struct{}{}
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	delete(cm.connections, conn)
	cm.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.id).
		Int64("session_id", conn.sessionID).
		Dur("connected_for", time.Since(conn.connectedAt)).
		Msg("WebSocket connection closed")
}
