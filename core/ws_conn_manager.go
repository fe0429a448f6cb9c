package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32 * 1024
)

// ConnManager owns the websocket connections and their room subscriptions.
//
// Sends hold the read lock and never block; a connection whose buffer is full misses the event.
// A connection's write stream is only closed under the write lock after it has been removed,
// so a send can never hit a closed stream.
type ConnManager struct {
	conns   map[string]*Conn
	rooms   map[string]map[string]*Conn
	mu      sync.RWMutex
	connWg  sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnectionOpened func(connID string, id Identity)
	onConnectionClosed func(connID string, id Identity)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithStreamSizes(read, write int) ManagerOption {
	return func(m *ConnManager) {
		m.ReadStreamSize = read
		m.WriteStreamSize = write
	}
}

// NewConnManager creates a manager whose connections live until ctx is cancelled.
func NewConnManager(ctx context.Context, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:              make(map[string]*Conn),
		rooms:              make(map[string]map[string]*Conn),
		logger:             logger.With(slog.String("component", "ws")),
		context:            ctx,
		upgrader:           defaultUpgrader,
		ReadStreamSize:     256,
		WriteStreamSize:    64,
		onConnectionOpened: func(string, Identity) {},
		onConnectionClosed: func(string, Identity) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)
	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(string, Identity)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(string, Identity)) {
	m.onConnectionClosed = f
}

// Connect upgrades the request and registers the connection. On failure the upgrader has
// already replied to the client.
func (m *ConnManager) Connect(id Identity, w http.ResponseWriter, r *http.Request) (string, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", err
	}

	connID := uuid.NewString()
	wsConn := &Conn{
		id:          connID,
		identity:    id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		rooms:       make(map[string]struct{}),
		ticker:      time.NewTicker(pingPeriod),
		logger: m.logger.With(
			slog.String("conn_id", connID),
			slog.String("user_id", id.UserID)),
		reply: func(e *Event) {
			m.SendToConn(e, connID)
		},
		notifyDisconnect: func() {
			m.disconnect(connID)
		},
	}

	m.mu.Lock()
	m.conns[connID] = wsConn
	m.mu.Unlock()

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	wsConn.logger.Info("connection opened")
	m.onConnectionOpened(connID, id)
	return connID, nil
}

func (m *ConnManager) disconnect(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	for roomID := range c.rooms {
		m.removeFromRoom(roomID, connID)
	}
	c.close()
	m.mu.Unlock()

	c.logger.Info("connection closed")
	m.onConnectionClosed(connID, c.identity)
}

// removeFromRoom must be called with the write lock held.
func (m *ConnManager) removeFromRoom(roomID, connID string) {
	subs := m.rooms[roomID]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(m.rooms, roomID)
	}
}

// Join subscribes the connection to roomID. Joining twice is a no-op.
func (m *ConnManager) Join(connID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return fmt.Errorf("join room: connection %s is closed", connID)
	}
	subs, ok := m.rooms[roomID]
	if !ok {
		subs = make(map[string]*Conn)
		m.rooms[roomID] = subs
	}
	subs[connID] = c
	c.rooms[roomID] = struct{}{}
	return nil
}

func (m *ConnManager) Leave(connID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(c.rooms, roomID)
	m.removeFromRoom(roomID, connID)
}

func (m *ConnManager) IsSubscribed(connID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][connID]
	return ok
}

// Subscribers returns the number of connections subscribed to roomID.
func (m *ConnManager) Subscribers(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

func (m *ConnManager) SendToRoom(e *Event, roomID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.rooms[roomID] {
		m.trySend(c, e)
	}
}

func (m *ConnManager) SendToConn(e *Event, connID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[connID]; ok {
		m.trySend(c, e)
	}
}

// trySend must be called with the read lock held.
func (m *ConnManager) trySend(c *Conn, e *Event) {
	select {
	case c.writeStream <- e:
	default:
		BroadcastDrops.Inc()
		c.logger.Warn("write buffer full, dropping event", slog.String("type", e.Type))
	}
}

// Close disconnects every connection and waits for their loops to exit or for ctx to expire.
func (m *ConnManager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
