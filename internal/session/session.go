// Package session tracks streaming clients: one Session per socket, a
// registry keyed by session id, and channel-key fan-out for market data.
//
// Frames handed to Send and the broadcast methods have already been through
// the outbound fault pipeline; this layer is pure transport.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the session layer needs. Tests
// substitute an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected streaming client. The send channel is drained by
// a single writePump goroutine; writers never touch the connection directly.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn Conn
	send chan []byte

	mu            sync.Mutex
	lastActivity  time.Time
	subscriptions map[string]struct{}
	dropped       int64
	closeOnce     sync.Once
	closeCode     int
	closeReason   string
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns when the session last sent us anything.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Subscriptions returns a copy of the session's channel keys.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subscriptions))
	for k := range s.subscriptions {
		keys = append(keys, k)
	}
	return keys
}

// DroppedFrames reports how many frames overflowed the send queue.
func (s *Session) DroppedFrames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) subscribe(channelKey string) {
	s.mu.Lock()
	s.subscriptions[channelKey] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(channelKey string) {
	s.mu.Lock()
	delete(s.subscriptions, channelKey)
	s.mu.Unlock()
}

func (s *Session) subscribedTo(channelKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[channelKey]
	return ok
}

// enqueue offers a frame to the send queue without blocking. A full queue
// means the client cannot keep up; the frame is dropped and counted.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

// close shuts the send channel exactly once, recording the close frame the
// writePump should emit on its way out.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.send)
	})
}

// writePump drains the send queue onto the socket. It is the connection's
// only writer; it exits when the queue is closed or a write fails.
func (s *Session) writePump() {
	defer s.conn.Close()

	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}

	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates an empty session registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// Add registers a connection under a fresh session id and starts its write
// pump.
func (m *Manager) Add(conn Conn) *Session {
	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		ConnectedAt:   now,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	go s.writePump()
	m.logger.Info("session connected", "session_id", s.ID, "count", count)
	return s
}

// Remove drops a session from the registry and closes its queue. Safe to
// call for unknown ids.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if ok {
		s.close(websocket.CloseNormalClosure, "")
		m.logger.Info("session disconnected", "session_id", sessionID, "count", count)
	}
}

// Get returns the session for an id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveSessions returns the ids of every live session.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe adds a channel key to a session. Returns false for unknown
// sessions.
func (m *Manager) Subscribe(sessionID, channelKey string) bool {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.subscribe(channelKey)
	return true
}

// Unsubscribe removes a channel key from a session. Removing a key that was
// never subscribed succeeds.
func (m *Manager) Unsubscribe(sessionID, channelKey string) bool {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.unsubscribe(channelKey)
	return true
}

// Subscribers returns the ids of sessions subscribed to a channel key.
func (m *Manager) Subscribers(channelKey string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.subscribedTo(channelKey) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Send queues a frame for one session. Returns false if the session is
// unknown or its queue overflowed.
func (m *Manager) Send(sessionID string, frame []byte) bool {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.enqueue(frame) {
		m.logger.Warn("send queue full, dropping frame", "session_id", sessionID)
		return false
	}
	return true
}

// Broadcast queues a frame for every session except those in exclude.
// Returns the number of sessions that accepted it.
func (m *Manager) Broadcast(frame []byte, exclude map[string]struct{}) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if _, skip := exclude[id]; !skip {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// BroadcastToChannel queues a frame for every session subscribed to the
// channel key. Returns the number of sessions that accepted it.
func (m *Manager) BroadcastToChannel(channelKey string, frame []byte) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.subscribedTo(channelKey) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// Close removes a session and asks its pump to emit a close frame with the
// given code and reason.
func (m *Manager) Close(sessionID string, code int, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.close(code, reason)
	}
}

// CloseAll closes every session with a going-away frame. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range targets {
		s.close(websocket.CloseGoingAway, "server shutdown")
	}
}
