package models

import (
	"time"
)

// Event payloads pushed over the wire. Every payload carries enough
// identity (room, round, user) for a client to reconcile optimistic local
// state after a reconnect.

// RoomStatePayload is the generic room status broadcast.
type RoomStatePayload struct {
	RoomID       string `json:"room_id"`
	RoundID      string `json:"round_id,omitempty"`
	SeedHash     string `json:"seed_hash,omitempty"`
	Status       string `json:"status"`
	Participants int    `json:"participants"`
	PrizePool    int64  `json:"prize_pool"`
	Countdown    int    `json:"countdown,omitempty"`
}

// RoomSnapshot is the full reconnect-reconciliation view of a room.
type RoomSnapshot struct {
	RoomID          string          `json:"room_id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	BetAmount       int64           `json:"bet_amount"`
	MinParticipants int             `json:"min_participants"`
	MaxParticipants int             `json:"max_participants"`
	RoundID         string          `json:"round_id,omitempty"`
	SeedHash        string          `json:"seed_hash,omitempty"`
	PrizePool       int64           `json:"prize_pool"`
	Countdown       int             `json:"countdown"`
	Participants    []ParticipantInfo `json:"participants"`
}

// ParticipantInfo 参与者信息
type ParticipantInfo struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Stake  int64  `json:"stake"`
}

// CountdownTickPayload is broadcast once per second during a countdown.
type CountdownTickPayload struct {
	RoomID    string `json:"room_id"`
	RoundID   string `json:"round_id"`
	Remaining int    `json:"remaining"`
}

// AnimationStartPayload tells clients to begin the winner animation.
type AnimationStartPayload struct {
	RoomID   string `json:"room_id"`
	RoundID  string `json:"round_id"`
	SeedHash string `json:"seed_hash"`
	Duration int    `json:"duration_seconds"`
}

// WinnerEntry 中奖条目
type WinnerEntry struct {
	UserID int64 `json:"user_id"`
	Rank   int   `json:"rank"`
	Payout int64 `json:"payout"`
}

// WinnerResultPayload announces settlement. Targeted is true on the copies
// delivered to participants of the round, false on the spectator copies.
type WinnerResultPayload struct {
	RoomID      string        `json:"room_id"`
	RoundID     string        `json:"round_id"`
	Winners     []WinnerEntry `json:"winners"`
	PrizePool   int64         `json:"prize_pool"`
	PlatformFee int64         `json:"platform_fee"`
	ServerSeed  string        `json:"server_seed"`
	ClientSeed  string        `json:"client_seed,omitempty"`
	Targeted    bool          `json:"targeted"`
	SettledAt   time.Time     `json:"settled_at"`
}

// ProcessingFailedPayload reopens a room after a failed winner computation.
type ProcessingFailedPayload struct {
	RoomID  string `json:"room_id"`
	RoundID string `json:"round_id"`
	Reason  string `json:"reason"`
}

// ParticipantEventPayload notifies viewers that someone joined or left.
type ParticipantEventPayload struct {
	RoomID       string `json:"room_id"`
	RoundID      string `json:"round_id,omitempty"`
	SeedHash     string `json:"seed_hash,omitempty"`
	UserID       int64  `json:"user_id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	PrizePool    int64  `json:"prize_pool"`
}

// BalancePayload pushes a user their new balance after a debit or credit.
type BalancePayload struct {
	UserID  int64  `json:"user_id"`
	RoundID string `json:"round_id,omitempty"`
	Balance int64  `json:"balance"`
	Reason  string `json:"reason"`
}

// ErrorPayload surfaces a validation failure to the initiating client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
