// fanout/fanout.go
package fanout

import (
	"errors"

	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/network"
	"github.com/wfunc/raffleserver/session"
)

var ErrRoomNotFound = errors.New("room not found")

// Roster resolves authoritative room and participant state. Fanout never
// trusts live connections to know who is in a round; a participant who
// reconnected under a new session still gets their events.
type Roster interface {
	Room(roomID string) (*models.GormRoom, error)
	UsersForRound(roundID string) ([]int64, error)
	IsActiveParticipant(roomID string, userID int64) (bool, error)
	ActiveRoundStats(roomID string) (roundID, seedHash string, participants int, pool int64)
	PlayerName(userID int64) string
}

// Fanout delivers room and user events to the right live connections.
// Delivery is at-least-once per connected socket at call time; offline
// connections reconcile via a room snapshot on reconnect.
type Fanout struct {
	sessions *session.Manager
	roster   Roster
}

func New(sessions *session.Manager, roster Roster) *Fanout {
	return &Fanout{sessions: sessions, roster: roster}
}

// Watch subscribes a connection to a room's events. If the user holds a
// stake in the active round the connection is also recorded as a
// participant and other viewers are told a participant (re)joined —
// excluding this connection, so the initiator does not double-count its
// own join.
func (f *Fanout) Watch(sess *session.Session, roomID string) error {
	room, err := f.roster.Room(roomID)
	if err != nil {
		return ErrRoomNotFound
	}
	if room.Status == models.RoomStatusCancelled {
		return ErrRoomNotFound
	}

	sess.Watch(roomID)

	active, err := f.roster.IsActiveParticipant(roomID, sess.UserID)
	if err != nil {
		logger.Log.Warnw("participant lookup failed", "room_id", roomID, "error", err)
		return nil
	}
	if active && !sess.IsParticipant(roomID) {
		sess.SetParticipant(roomID, true)
		roundID, seedHash, count, pool := f.roster.ActiveRoundStats(roomID)
		f.announce(roomID, network.MsgTypeParticipantJoin, sess, roundID, seedHash, sess.UserID, count, pool)
	}
	return nil
}

// Unwatch unsubscribes a connection; fires a "participant left" event only
// if the connection was a recorded participant.
func (f *Fanout) Unwatch(sess *session.Session, roomID string) {
	wasParticipant := sess.IsParticipant(roomID)
	sess.Unwatch(roomID)

	if wasParticipant {
		roundID, seedHash, count, pool := f.roster.ActiveRoundStats(roomID)
		f.announce(roomID, network.MsgTypeParticipantLeave, sess, roundID, seedHash, sess.UserID, count, pool)
	}
}

// Disconnect handles a dropped connection: every room where this
// connection was a participant gets a "participant left" notice.
// Best-effort; a failed name lookup falls back to a generic label.
func (f *Fanout) Disconnect(sess *session.Session) {
	for _, roomID := range sess.ParticipantRooms() {
		roundID, seedHash, count, pool := f.roster.ActiveRoundStats(roomID)
		f.announce(roomID, network.MsgTypeParticipantLeave, sess, roundID, seedHash, sess.UserID, count, pool)
	}
}

// AnnounceJoin broadcasts a participant-joined event to every viewer of
// the room except the joining connection. The seed hash rides along so
// viewers hold the round's commitment from the moment it exists.
func (f *Fanout) AnnounceJoin(roomID, roundID, seedHash string, userID int64, except *session.Session, count int, pool int64) {
	f.announce(roomID, network.MsgTypeParticipantJoin, except, roundID, seedHash, userID, count, pool)
}

// AnnounceLeave is the inverse of AnnounceJoin.
func (f *Fanout) AnnounceLeave(roomID, roundID, seedHash string, userID int64, except *session.Session, count int, pool int64) {
	f.announce(roomID, network.MsgTypeParticipantLeave, except, roundID, seedHash, userID, count, pool)
}

func (f *Fanout) announce(roomID string, msgID uint16, except *session.Session, roundID, seedHash string, userID int64, count int, pool int64) {
	name := f.roster.PlayerName(userID)
	if name == "" {
		name = "a participant"
	}
	payload := models.ParticipantEventPayload{
		RoomID:       roomID,
		RoundID:      roundID,
		SeedHash:     seedHash,
		UserID:       userID,
		Name:         name,
		Participants: count,
		PrizePool:    pool,
	}
	for _, viewer := range f.sessions.GetViewers(roomID) {
		if viewer == except {
			continue
		}
		if err := viewer.SendJSON(msgID, payload); err != nil {
			logger.Log.Debugw("announce send failed",
				"session_id", viewer.ID, "room_id", roomID, "error", err)
		}
	}
}

// BroadcastRoom sends an event to every connection viewing the room.
func (f *Fanout) BroadcastRoom(roomID string, msgID uint16, v interface{}) {
	for _, viewer := range f.sessions.GetViewers(roomID) {
		if err := viewer.SendJSON(msgID, v); err != nil {
			logger.Log.Debugw("room broadcast send failed",
				"session_id", viewer.ID, "room_id", roomID, "error", err)
		}
	}
}

// NotifyParticipants delivers targeted to every live connection of every
// participant of the round — resolved from the roster, not from who
// happens to be on the room channel — and spectator to the remaining
// viewers of the room. The two payloads carry a flag so clients can tell
// "this concerns me" from "informational".
func (f *Fanout) NotifyParticipants(roomID, roundID string, msgID uint16, targeted, spectator interface{}) {
	users, err := f.roster.UsersForRound(roundID)
	if err != nil {
		logger.Log.Errorw("participant resolution failed",
			"room_id", roomID, "round_id", roundID, "error", err)
		users = nil
	}

	participantUsers := make(map[int64]bool, len(users))
	for _, userID := range users {
		participantUsers[userID] = true
		for _, sess := range f.sessions.GetByUserID(userID) {
			if err := sess.SendJSON(msgID, targeted); err != nil {
				logger.Log.Debugw("participant notify failed",
					"session_id", sess.ID, "user_id", userID, "error", err)
			}
		}
	}

	for _, viewer := range f.sessions.GetViewers(roomID) {
		if participantUsers[viewer.UserID] {
			continue
		}
		if err := viewer.SendJSON(msgID, spectator); err != nil {
			logger.Log.Debugw("spectator notify failed",
				"session_id", viewer.ID, "room_id", roomID, "error", err)
		}
	}
}

// SendToUser delivers an event to every live connection of one user.
func (f *Fanout) SendToUser(userID int64, msgID uint16, v interface{}) {
	for _, sess := range f.sessions.GetByUserID(userID) {
		if err := sess.SendJSON(msgID, v); err != nil {
			logger.Log.Debugw("user send failed",
				"session_id", sess.ID, "user_id", userID, "error", err)
		}
	}
}

// ClearParticipant drops a connection's participant standing after a
// refunded leave, without unsubscribing it from the room.
func (f *Fanout) ClearParticipant(sess *session.Session, roomID string) {
	sess.SetParticipant(roomID, false)
}
