// persistence/interface.go
package persistence

import (
	"errors"
	"time"

	"github.com/wfunc/raffleserver/models"
)

// Store operation errors. The compound operations return these unwrapped
// so callers can match with errors.Is.
var (
	ErrRecordNotFound      = errors.New("record not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRoomNotJoinable     = errors.New("room not joinable")
	ErrNotAParticipant     = errors.New("not a participant of the active round")
	ErrRoundCompleted      = errors.New("round already completed")
)

// JoinResult reports the round state after a successful join.
type JoinResult struct {
	Participants int
	PrizePool    int64
	Balance      int64
}

// LeaveResult reports the round state after a refunded leave.
type LeaveResult struct {
	Participants int
	PrizePool    int64
	Stake        int64
	Balance      int64
}

// SettlementEntry is one participant outcome applied by SettleRound.
type SettlementEntry struct {
	UserID int64
	Payout int64
	Winner bool
}

// Store is the persistence boundary for rooms, rounds, participants and
// player balances. The compound operations (JoinRound, LeaveRound,
// SettleRound) run as single transactions with row-level locks on the
// affected room, round and player rows; every invariant they depend on is
// re-checked inside the transaction.
type Store interface {
	// Players
	GetPlayer(userID int64) (*models.GormPlayer, error)
	UpsertPlayer(userID int64, name string) (*models.GormPlayer, error)
	CreditBalance(userID int64, amount int64) (int64, error)

	// Rooms
	CreateRoom(room *models.GormRoom) error
	GetRoom(roomID string) (*models.GormRoom, error)
	GetRoomByName(name string) (*models.GormRoom, error)
	ListRooms() ([]models.GormRoom, error)
	SetRoomStatus(roomID string, status string) error

	// Rounds
	ActiveRound(roomID string) (*models.GormRound, error)
	CreateRound(round *models.GormRound) error
	SetClientSeed(roundID string, seed string) error
	RotateServerSeed(roundID string, seed, hash string) error
	Participants(roundID string) ([]models.GormParticipant, error)

	// LockRound marks the moment a round's stakes become committed (the
	// countdown elapsed and the draw is underway). Idempotent.
	LockRound(roundID string, lockedAt time.Time) error

	// JoinRound debits the stake and inserts the participant atomically.
	// Fails with ErrRoomNotJoinable if the room left WAITING or is full,
	// ErrInsufficientBalance if the player cannot cover the stake.
	JoinRound(roomID, roundID string, userID int64, stake int64, maxParticipants int) (*JoinResult, error)

	// LeaveRound refunds the stake and removes the participant atomically.
	LeaveRound(roundID string, userID int64) (*LeaveResult, error)

	// SettleRound credits payouts, flags winners and marks the round
	// completed in one transaction. Fails with ErrRoundCompleted if the
	// round was already settled.
	SettleRound(roundID string, entries []SettlementEntry, completedAt time.Time) error

	// ArchiveRound soft-deletes a completed round. Reports whether this
	// call performed the transition: false means the round was already
	// archived, so a repeat reset can tell it did nothing. PurgeRound
	// deletes a round that never gathered participants.
	ArchiveRound(roundID string, archivedAt time.Time) (bool, error)
	PurgeRound(roundID string) error

	Close() error
}
