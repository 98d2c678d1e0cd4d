package session

import (
	"net"
	"testing"
	"time"

	"github.com/wfunc/raffleserver/network"
)

// MockConnection is a test double for the network.Connection interface.
type MockConnection struct{}

func (m *MockConnection) Send(msgID uint16, data []byte) error        { return nil }
func (m *MockConnection) SendJSON(msgID uint16, v interface{}) error  { return nil }
func (m *MockConnection) Close() error                                { return nil }
func (m *MockConnection) RemoteAddr() net.Addr                        { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration)         {}
func (m *MockConnection) ReadPacket() (*network.Packet, error)        { return nil, nil }

func TestNewManager(t *testing.T) {
	manager := NewManager()
	if manager == nil {
		t.Fatal("NewManager should not return nil")
	}
	if manager.sessions == nil {
		t.Fatal("NewManager should initialize the sessions map")
	}
}

func TestManager_Add_Get_Remove(t *testing.T) {
	manager := NewManager()
	sessionID := "test_session_1"
	sess := NewSession(sessionID, &MockConnection{})

	// Test Add
	manager.Add(sess)
	if len(manager.sessions) != 1 {
		t.Fatalf("Expected session count to be 1, got %d", len(manager.sessions))
	}

	// Test Get
	retrievedSess, exists := manager.Get(sessionID)
	if !exists {
		t.Fatal("Get should find the added session")
	}
	if retrievedSess != sess {
		t.Fatal("Get should return the same session instance")
	}

	// Test Remove
	manager.Remove(sessionID)
	if len(manager.sessions) != 0 {
		t.Fatalf("Expected session count to be 0 after removal, got %d", len(manager.sessions))
	}

	_, exists = manager.Get(sessionID)
	if exists {
		t.Fatal("Get should not find the removed session")
	}
}

func TestManager_GetByUserID_MultiTab(t *testing.T) {
	manager := NewManager()

	tabOne := NewSession("tab_1", &MockConnection{})
	tabOne.UserID = 42
	tabTwo := NewSession("tab_2", &MockConnection{})
	tabTwo.UserID = 42
	other := NewSession("tab_3", &MockConnection{})
	other.UserID = 7

	manager.Add(tabOne)
	manager.Add(tabTwo)
	manager.Add(other)

	sessions := manager.GetByUserID(42)
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions for user 42, got %d", len(sessions))
	}

	manager.Remove("tab_1")
	sessions = manager.GetByUserID(42)
	if len(sessions) != 1 || sessions[0] != tabTwo {
		t.Fatal("GetByUserID should reflect removals")
	}
}

func TestManager_GetViewers(t *testing.T) {
	manager := NewManager()

	watcher := NewSession("watcher", &MockConnection{})
	watcher.Watch("room-1")
	bystander := NewSession("bystander", &MockConnection{})

	manager.Add(watcher)
	manager.Add(bystander)

	viewers := manager.GetViewers("room-1")
	if len(viewers) != 1 || viewers[0] != watcher {
		t.Fatalf("Expected only the watcher, got %d viewers", len(viewers))
	}
}

func TestSession_WatchUnwatch(t *testing.T) {
	sess := NewSession("s", &MockConnection{})

	sess.Watch("room-1")
	if !sess.IsWatching("room-1") {
		t.Fatal("Session should be watching room-1")
	}

	sess.Unwatch("room-1")
	if sess.IsWatching("room-1") {
		t.Fatal("Session should no longer be watching room-1")
	}
}

func TestSession_ParticipantTracking(t *testing.T) {
	sess := NewSession("s", &MockConnection{})

	sess.SetParticipant("room-1", true)
	sess.SetParticipant("room-2", true)
	if !sess.IsParticipant("room-1") {
		t.Fatal("Session should be a participant of room-1")
	}

	rooms := sess.ParticipantRooms()
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 participant rooms, got %d", len(rooms))
	}

	sess.SetParticipant("room-1", false)
	if sess.IsParticipant("room-1") {
		t.Fatal("Cleared participant standing should not persist")
	}
	if len(sess.ParticipantRooms()) != 1 {
		t.Fatal("ParticipantRooms should reflect the cleared room")
	}
}

func TestSession_TouchConcurrentWithSends(t *testing.T) {
	sess := NewSession("s", &MockConnection{})
	before := sess.LastActive()

	// The read loop touches the session while broadcast goroutines send
	// through it; both paths update activity under the session mutex.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			sess.Touch()
		}
	}()
	for i := 0; i < 100; i++ {
		sess.SendJSON(1, nil)
		sess.LastActive()
	}
	<-done

	if sess.LastActive().Before(before) {
		t.Fatal("Activity timestamp should never move backwards")
	}
}
