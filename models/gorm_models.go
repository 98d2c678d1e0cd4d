package models

import (
	"time"

	"gorm.io/gorm"
)

// Room lifecycle statuses. A room only accepts joins while WAITING.
const (
	RoomStatusWaiting   = "WAITING"
	RoomStatusActive    = "ACTIVE"
	RoomStatusResetting = "RESETTING"
	RoomStatusCompleted = "COMPLETED"
	RoomStatusCancelled = "CANCELLED"
)

// GormPlayer 玩家模型
type GormPlayer struct {
	gorm.Model
	UserID int64  `gorm:"uniqueIndex;not null"`
	Name   string `gorm:"not null"`
	// Balance is in minor currency units (cents).
	Balance int64 `gorm:"default:0"`
}

// GormRoom 房间模型
type GormRoom struct {
	gorm.Model
	RoomID          string `gorm:"uniqueIndex;not null"`
	Name            string `gorm:"not null"`
	BetAmount       int64  `gorm:"not null"`
	MinParticipants int    `gorm:"not null"`
	MaxParticipants int    `gorm:"not null"`
	CountdownSecs   int    `gorm:"not null"`
	WinnerCount     int    `gorm:"default:1"`
	// FeeBps is the platform fee in basis points of the prize pool.
	FeeBps int    `gorm:"default:0"`
	Status string `gorm:"not null;default:WAITING"`
}

// GormRound 回合模型
//
// A round is active iff CompletedAt and ArchivedAt are both null. At most
// one active round may exist per room; archiving is a soft delete that
// keeps settled rounds out of active-round lookups without destroying
// audit history.
type GormRound struct {
	gorm.Model
	RoundID string `gorm:"uniqueIndex;not null"`
	RoomID  string `gorm:"index;not null"`
	// ServerSeed is committed via ServerSeedHash before any draw and only
	// revealed in the settlement broadcast.
	ServerSeed     string `gorm:"not null"`
	ServerSeedHash string `gorm:"not null"`
	ClientSeed     string
	// LockedAt marks when the countdown elapsed and stakes became
	// committed; a locked round no longer refunds leaves.
	LockedAt    *time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time
}

// GormParticipant 参与者模型
type GormParticipant struct {
	gorm.Model
	RoundID   string `gorm:"index:idx_round_user,unique;not null"`
	UserID    int64  `gorm:"index:idx_round_user,unique;not null"`
	Stake     int64  `gorm:"not null"`
	WonAmount int64  `gorm:"default:0"`
	Winner    bool   `gorm:"default:false"`
}
