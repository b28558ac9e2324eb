package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schoolride/relay/pkg/state"
)

// InMemoryManager keeps sessions and channel membership in mutex-guarded
// maps. All lookups used for broadcast copy their result before returning,
// so no caller ever performs network writes while holding the lock.
type InMemoryManager struct {
	mu       sync.RWMutex
	sessions map[string]*state.Session             // userID -> session
	conns    map[uuid.UUID]*state.Session          // connID -> owning session
	channels map[string]map[uuid.UUID]*state.Session // channel -> members by connID

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		sessions: make(map[string]*state.Session),
		conns:    make(map[uuid.UUID]*state.Session),
		channels: make(map[string]map[uuid.UUID]*state.Session),
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(userID string, role state.Role, conn state.Conn) (state.Conn, error) {
	if userID == "" || conn == nil {
		return nil, state.ErrAuthenticationFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev state.Conn
	if existing, ok := m.sessions[userID]; ok {
		// Last-registered-wins: the new connection silently supersedes
		// the old one. The old connection's memberships stay until its
		// own close path runs LeaveAll.
		prev = existing.Conn
	}

	sess := &state.Session{
		UserID:    userID,
		Role:      role,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	m.sessions[userID] = sess
	m.conns[conn.ID()] = sess

	m.logger.Debug("session registered",
		slog.String("userID", userID),
		slog.String("connID", conn.ID().String()),
		slog.Bool("superseded", prev != nil),
	)
	return prev, nil
}

func (m *InMemoryManager) Unregister(conn state.Conn) {
	if conn == nil {
		return
	}
	connID := conn.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.conns[connID]
	if !ok {
		// already removed
		return
	}
	delete(m.conns, connID)

	// Only evict the session if this connection is still the current one
	// for its identity; a stale disconnect of a superseded connection
	// must not remove the newer session.
	if current, ok := m.sessions[sess.UserID]; ok && current.Conn.ID() == connID {
		delete(m.sessions, sess.UserID)
		m.logger.Debug("session unregistered", slog.String("userID", sess.UserID), slog.String("connID", connID.String()))
	}
}

func (m *InMemoryManager) ConnectionFor(userID string) (state.Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return sess.Conn, true
}

func (m *InMemoryManager) SessionFor(connID uuid.UUID) (*state.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.conns[connID]
	return sess, ok
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *InMemoryManager) ConnectedUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		users = append(users, id)
	}
	return users
}

func (m *InMemoryManager) Join(channel string, connID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}

	members, ok := m.channels[channel]
	if !ok {
		members = make(map[uuid.UUID]*state.Session)
		m.channels[channel] = members
	}
	members[connID] = sess

	m.logger.Debug("joined channel", slog.String("channel", channel), slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) Leave(channel string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(channel, connID)
}

func (m *InMemoryManager) leaveLocked(channel string, connID uuid.UUID) {
	members, ok := m.channels[channel]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.channels, channel)
		m.logger.Debug("removed empty channel", slog.String("channel", channel))
	}
}

func (m *InMemoryManager) LeaveAll(connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel := range m.channels {
		m.leaveLocked(channel, connID)
	}
}

func (m *InMemoryManager) Members(channel string) []state.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.channels[channel]
	conns := make([]state.Conn, 0, len(members))
	for _, sess := range members {
		conns = append(conns, sess.Conn)
	}
	return conns
}

func (m *InMemoryManager) Participants(channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.channels[channel]
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, sess := range members {
		if _, dup := seen[sess.UserID]; dup {
			continue
		}
		seen[sess.UserID] = struct{}{}
		users = append(users, sess.UserID)
	}
	return users
}

func (m *InMemoryManager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}
