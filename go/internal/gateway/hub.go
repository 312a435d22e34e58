package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Hub manages the browser websocket connections of one match
type Hub struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	ctrl     Controller

	broadcastCh chan []byte
}

// Connection represents a websocket connection to a scoreboard screen
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	hub  *Hub

	limiter *rate.Limiter

	ConnectedAt time.Time

	mu       sync.Mutex
	lastPing time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool

	// Inbound command budget per connection
	CommandRate  rate.Limit
	CommandBurst int
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // commands are tiny
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Scoreboard screens are served from anywhere on the venue network
			return true
		},
		CommandRate:  rate.Limit(10),
		CommandBurst: 20,
	}
}

// NewHub creates a websocket hub dispatching inbound commands to ctrl
func NewHub(config ConnectionConfig, ctrl Controller) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		ctrl:        ctrl,
		broadcastCh: make(chan []byte, 256),
	}
}

// Start fans broadcast frames out to connections until ctx is done
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			log.Info().Msg("websocket hub shutting down")
			return
		case frame := <-h.broadcastCh:
			h.handleBroadcast(frame)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection and greets it with the
// current match view
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 64),
		hub:         h,
		limiter:     rate.NewLimiter(h.config.CommandRate, h.config.CommandBurst),
		ConnectedAt: now,
		lastPing:    now,
	}

	h.registerWithGreeting(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")

	return nil
}

// registerWithGreeting queues the current view and registers conn in one
// step, so no broadcast can land ahead of an older greeting.
func (h *Hub) registerWithGreeting(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if data, err := json.Marshal(stateFrame(h.ctrl.View())); err == nil {
		conn.Send <- data
	} else {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to marshal greeting")
	}
	h.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(h.connections)).
		Msg("connection registered")
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		close(conn.Send)

		log.Info().
			Str("connection_id", conn.ID).
			Msg("connection unregistered")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.unregisterConnection(conn)
	}
}

// Broadcast queues a frame for every connection
func (h *Hub) Broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("type", frame.Type).Msg("failed to marshal frame for broadcast")
		return
	}

	select {
	case h.broadcastCh <- data:
	default:
		log.Warn().Str("type", frame.Type).Msg("broadcast channel full, dropping frame")
	}
}

func (h *Hub) handleBroadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			h.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().Int("connections", len(targets)).Msg("frame broadcasted")
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the connection is already unregistered.
func (c *Connection) trySend(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.connections[c] {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage runs a command frame. Failures go back to this
// connection only; success shows up through the regular state broadcast.
func (c *Connection) handleClientMessage(message []byte) {
	if !c.limiter.Allow() {
		c.sendFrame(errorFrame(fmt.Errorf("too many commands, slow down")))
		return
	}

	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.sendFrame(errorFrame(fmt.Errorf("malformed command: %w", err)))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("action", cmd.Action).
		Msg("received command")

	if err := Execute(c.hub.ctrl, cmd); err != nil {
		c.sendFrame(errorFrame(err))
	}
}

func (c *Connection) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("dropping frame for slow connection")
	}
}
