// Package ledger is the authoritative record of who is in a round and how
// much they staked. All balance arithmetic for joins, refunds and payouts
// flows through here; the prize pool is always derived from participant
// stakes, never stored separately.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/persistence"
	"github.com/wfunc/raffleserver/selector"
)

// Validation errors surfaced to clients. These alias the store's sentinels
// so errors.Is matches regardless of which layer produced them.
var (
	ErrInsufficientBalance = persistence.ErrInsufficientBalance
	ErrRoomNotJoinable     = persistence.ErrRoomNotJoinable
	ErrNotAParticipant     = persistence.ErrNotAParticipant
	ErrRoundCompleted      = persistence.ErrRoundCompleted
	ErrRoomNotFound        = persistence.ErrRecordNotFound
)

type Ledger struct {
	store persistence.Store
}

func New(store persistence.Store) *Ledger {
	return &Ledger{store: store}
}

// JoinResult reports a successful join to the caller and the coordinator.
type JoinResult struct {
	Room         *models.GormRoom
	RoundID      string
	SeedHash     string
	Participants int
	PrizePool    int64
	Balance      int64
}

// LeaveResult reports a refunded leave.
type LeaveResult struct {
	Room         *models.GormRoom
	RoundID      string
	SeedHash     string
	Participants int
	PrizePool    int64
	Stake        int64
	Balance      int64
}

// Settlement is the outcome of a processed round.
type Settlement struct {
	Room       *models.GormRoom
	RoundID    string
	Result     *selector.Result
	ServerSeed string
	ClientSeed string
	SettledAt  time.Time
}

// ResetResult reports what a room reset actually did, so a second reset of
// an already-reset room is observably a no-op.
type ResetResult struct {
	RoundID  string
	Archived bool
	Purged   bool
}

// Join stakes the room's bet amount for userID in the room's active round,
// creating the round (with a fresh committed server seed) if none exists.
// The first joiner of a round may supply a client seed.
func (l *Ledger) Join(roomID string, userID int64, clientSeed string) (*JoinResult, error) {
	room, err := l.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomStatusWaiting {
		return nil, ErrRoomNotJoinable
	}

	round, err := l.store.ActiveRound(roomID)
	if err == persistence.ErrRecordNotFound {
		round, err = l.createRound(roomID, clientSeed)
	}
	if err != nil {
		return nil, err
	}

	// The store re-validates status, capacity and balance under row locks;
	// the checks above only short-circuit the obvious cases.
	res, err := l.store.JoinRound(roomID, round.RoundID, userID, room.BetAmount, room.MaxParticipants)
	if err != nil {
		return nil, err
	}

	return &JoinResult{
		Room:         room,
		RoundID:      round.RoundID,
		SeedHash:     round.ServerSeedHash,
		Participants: res.Participants,
		PrizePool:    res.PrizePool,
		Balance:      res.Balance,
	}, nil
}

func (l *Ledger) createRound(roomID, clientSeed string) (*models.GormRound, error) {
	seed, err := selector.NewServerSeed()
	if err != nil {
		return nil, err
	}
	round := &models.GormRound{
		RoundID:        uuid.New().String(),
		RoomID:         roomID,
		ServerSeed:     seed,
		ServerSeedHash: selector.HashSeed(seed),
		ClientSeed:     clientSeed,
	}
	if err := l.store.CreateRound(round); err != nil {
		return nil, err
	}
	return round, nil
}

// Leave refunds userID's stake. Only allowed while the room is still
// WAITING; once the countdown has elapsed the stake is committed.
func (l *Ledger) Leave(roomID string, userID int64) (*LeaveResult, error) {
	room, err := l.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomStatusWaiting {
		return nil, ErrNotAParticipant
	}

	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		if err == persistence.ErrRecordNotFound {
			return nil, ErrNotAParticipant
		}
		return nil, err
	}
	// A locked round has passed its countdown; stakes stay committed even
	// if a processing failure reopened the room.
	if round.LockedAt != nil {
		return nil, ErrNotAParticipant
	}

	res, err := l.store.LeaveRound(round.RoundID, userID)
	if err != nil {
		return nil, err
	}

	return &LeaveResult{
		Room:         room,
		RoundID:      round.RoundID,
		SeedHash:     round.ServerSeedHash,
		Participants: res.Participants,
		PrizePool:    res.PrizePool,
		Stake:        res.Stake,
		Balance:      res.Balance,
	}, nil
}

// ProcessRound draws winners for the room's active round and settles
// payouts atomically. The money invariant is asserted before any balance
// is touched: payouts plus fee must equal the pool exactly.
func (l *Ledger) ProcessRound(roomID string) (*Settlement, error) {
	room, err := l.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		return nil, err
	}
	participants, err := l.store.Participants(round.RoundID)
	if err != nil {
		return nil, err
	}

	entries := make([]selector.Entry, len(participants))
	for i, p := range participants {
		entries[i] = selector.Entry{UserID: p.UserID, Stake: p.Stake}
	}

	result, err := selector.Draw(entries, round.ServerSeed, round.ClientSeed, room.WinnerCount, room.FeeBps)
	if err != nil {
		return nil, err
	}

	var paid int64
	for _, w := range result.Winners {
		paid += w.Payout
	}
	if paid+result.PlatformFee != result.PrizePool {
		return nil, fmt.Errorf("settlement mismatch: payouts %d + fee %d != pool %d",
			paid, result.PlatformFee, result.PrizePool)
	}

	settleEntries := make([]persistence.SettlementEntry, 0, len(participants))
	winnerPayout := make(map[int64]int64, len(result.Winners))
	for _, w := range result.Winners {
		winnerPayout[w.UserID] = w.Payout
	}
	for _, p := range participants {
		payout, won := winnerPayout[p.UserID]
		settleEntries = append(settleEntries, persistence.SettlementEntry{
			UserID: p.UserID,
			Payout: payout,
			Winner: won,
		})
	}

	settledAt := time.Now()
	if err := l.store.SettleRound(round.RoundID, settleEntries, settledAt); err != nil {
		return nil, err
	}

	return &Settlement{
		Room:       room,
		RoundID:    round.RoundID,
		Result:     result,
		ServerSeed: round.ServerSeed,
		ClientSeed: round.ClientSeed,
		SettledAt:  settledAt,
	}, nil
}

// ResetRoom archives the settled round (if any), purges a stray active
// round that never gathered participants, and reopens the room. Safe to
// call twice: archiving is idempotent and no balances are touched.
func (l *Ledger) ResetRoom(roomID, settledRoundID string) (*ResetResult, error) {
	res := &ResetResult{RoundID: settledRoundID}

	if settledRoundID != "" {
		archived, err := l.store.ArchiveRound(settledRoundID, time.Now())
		if err != nil && err != persistence.ErrRecordNotFound {
			return nil, err
		}
		res.Archived = archived
	}

	if round, err := l.store.ActiveRound(roomID); err == nil {
		participants, err := l.store.Participants(round.RoundID)
		if err != nil {
			return nil, err
		}
		if len(participants) == 0 {
			if err := l.store.PurgeRound(round.RoundID); err != nil {
				return nil, err
			}
			res.Purged = true
		}
	} else if err != persistence.ErrRecordNotFound {
		return nil, err
	}

	if err := l.store.SetRoomStatus(roomID, models.RoomStatusWaiting); err != nil {
		return nil, err
	}
	return res, nil
}

// SetRoomStatus transitions the room's persisted lifecycle status.
func (l *Ledger) SetRoomStatus(roomID, status string) error {
	return l.store.SetRoomStatus(roomID, status)
}

// LockActiveRound commits the stakes of the room's active round: from
// this point leaves no longer refund, whatever happens to processing.
func (l *Ledger) LockActiveRound(roomID string) error {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		return err
	}
	return l.store.LockRound(round.RoundID, time.Now())
}

// RotateSeed replaces the active round's server seed and returns the new
// commitment hash. Used by the operator reprocess path so an abandoned
// round is never replayed with a possibly compromised seed.
func (l *Ledger) RotateSeed(roomID string) (string, error) {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		return "", err
	}
	seed, err := selector.NewServerSeed()
	if err != nil {
		return "", err
	}
	hash := selector.HashSeed(seed)
	if err := l.store.RotateServerSeed(round.RoundID, seed, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// UsersForRound resolves the authoritative participant user IDs of a
// round, settled or not. Fanout uses this instead of live connections.
func (l *Ledger) UsersForRound(roundID string) ([]int64, error) {
	participants, err := l.store.Participants(roundID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}
	return ids, nil
}

// IsActiveParticipant reports whether userID holds a stake in the room's
// current active round.
func (l *Ledger) IsActiveParticipant(roomID string, userID int64) (bool, error) {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		if err == persistence.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	participants, err := l.store.Participants(round.RoundID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ActiveRoundID returns the room's active round identifier, or "".
func (l *Ledger) ActiveRoundID(roomID string) string {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		return ""
	}
	return round.RoundID
}

// ActiveParticipantCount returns the stake count of the active round.
func (l *Ledger) ActiveParticipantCount(roomID string) (int, error) {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		if err == persistence.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	participants, err := l.store.Participants(round.RoundID)
	if err != nil {
		return 0, err
	}
	return len(participants), nil
}

// ActiveRoundStats returns the active round's identifier, seed
// commitment, participant count and prize pool in one call; zero values
// when no round is active.
func (l *Ledger) ActiveRoundStats(roomID string) (string, string, int, int64) {
	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		return "", "", 0, 0
	}
	participants, err := l.store.Participants(round.RoundID)
	if err != nil {
		return round.RoundID, round.ServerSeedHash, 0, 0
	}
	var pool int64
	for _, p := range participants {
		pool += p.Stake
	}
	return round.RoundID, round.ServerSeedHash, len(participants), pool
}

// PlayerBalance returns a user's current balance.
func (l *Ledger) PlayerBalance(userID int64) (int64, error) {
	player, err := l.store.GetPlayer(userID)
	if err != nil {
		return 0, err
	}
	return player.Balance, nil
}

// Room looks up a room by its public identifier.
func (l *Ledger) Room(roomID string) (*models.GormRoom, error) {
	return l.store.GetRoom(roomID)
}

// Rooms lists every configured room.
func (l *Ledger) Rooms() ([]models.GormRoom, error) {
	return l.store.ListRooms()
}

// PlayerName resolves a display name; empty on lookup failure so callers
// can fall back to a generic label.
func (l *Ledger) PlayerName(userID int64) string {
	player, err := l.store.GetPlayer(userID)
	if err != nil {
		return ""
	}
	return player.Name
}

// Snapshot assembles the reconnect-reconciliation view of a room. The
// countdown field is owned by the coordinator and filled in by the caller.
func (l *Ledger) Snapshot(roomID string) (*models.RoomSnapshot, error) {
	room, err := l.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	snap := &models.RoomSnapshot{
		RoomID:          room.RoomID,
		Name:            room.Name,
		Status:          room.Status,
		BetAmount:       room.BetAmount,
		MinParticipants: room.MinParticipants,
		MaxParticipants: room.MaxParticipants,
		Participants:    []models.ParticipantInfo{},
	}

	round, err := l.store.ActiveRound(roomID)
	if err != nil {
		if err == persistence.ErrRecordNotFound {
			return snap, nil
		}
		return nil, err
	}

	snap.RoundID = round.RoundID
	snap.SeedHash = round.ServerSeedHash

	participants, err := l.store.Participants(round.RoundID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		snap.PrizePool += p.Stake
		snap.Participants = append(snap.Participants, models.ParticipantInfo{
			UserID: p.UserID,
			Name:   l.PlayerName(p.UserID),
			Stake:  p.Stake,
		})
	}
	return snap, nil
}
