// session/session.go
package session

import (
	"sync"
	"time"

	"github.com/wfunc/raffleserver/network"
)

// Session is one live authenticated connection. A user may hold several
// at once (multi-tab); the manager indexes them by user ID so events can
// reach every one.
type Session struct {
	ID        string
	Conn      network.Connection
	UserID    int64
	Name      string
	CreatedAt time.Time

	// viewing is every room this connection watches; participant is the
	// subset where the user holds a stake in the current active round.
	// lastActive is written from the read loop and from broadcast
	// goroutines, so it lives behind the mutex with the room sets.
	viewing     map[string]bool
	participant map[string]bool
	lastActive  time.Time
	mutex       sync.RWMutex
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		Conn:        conn,
		CreatedAt:   now,
		lastActive:  now,
		viewing:     make(map[string]bool),
		participant: make(map[string]bool),
	}
}

// Touch records activity on the connection.
func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActive = time.Now()
}

// LastActive reports when the connection last sent or received.
func (s *Session) LastActive() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActive
}

func (s *Session) Watch(roomID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.viewing[roomID] = true
}

func (s *Session) Unwatch(roomID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.viewing, roomID)
	delete(s.participant, roomID)
}

func (s *Session) IsWatching(roomID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.viewing[roomID]
}

// SetParticipant marks or clears this connection's participant standing
// in a room. A participant is always also a viewer.
func (s *Session) SetParticipant(roomID string, active bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if active {
		s.viewing[roomID] = true
		s.participant[roomID] = true
	} else {
		delete(s.participant, roomID)
	}
}

func (s *Session) IsParticipant(roomID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.participant[roomID]
}

// ViewingRooms returns a copy of the watched room set.
func (s *Session) ViewingRooms() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rooms := make([]string, 0, len(s.viewing))
	for roomID := range s.viewing {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// ParticipantRooms returns a copy of the participant room set.
func (s *Session) ParticipantRooms() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rooms := make([]string, 0, len(s.participant))
	for roomID := range s.participant {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

func (s *Session) SendJSON(msgID uint16, v interface{}) error {
	s.Touch()
	return s.Conn.SendJSON(msgID, v)
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Manager indexes live sessions.
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// GetByUserID returns every live session owned by a user.
func (m *Manager) GetByUserID(userID int64) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.UserID == userID {
			result = append(result, session)
		}
	}
	return result
}

// GetViewers returns every session currently watching a room.
func (m *Manager) GetViewers(roomID string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.IsWatching(roomID) {
			result = append(result, session)
		}
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}
