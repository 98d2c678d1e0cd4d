// persistence/gorm_postgresql.go
package persistence

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/raffleserver/models"
)

// GormStore is the gorm-backed Store implementation.
type GormStore struct {
	db *gorm.DB
}

// NewGormPostgreSQL opens a gorm PostgreSQL connection and migrates the
// schema.
func NewGormPostgreSQL(host string, port int, user, password, dbname string) (*GormStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	gormLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormlogger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.GormPlayer{},
		&models.GormRoom{},
		&models.GormRound{},
		&models.GormParticipant{},
	); err != nil {
		return nil, err
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) GetPlayer(userID int64) (*models.GormPlayer, error) {
	var player models.GormPlayer
	if err := s.db.Where("user_id = ?", userID).First(&player).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &player, nil
}

func (s *GormStore) UpsertPlayer(userID int64, name string) (*models.GormPlayer, error) {
	var player models.GormPlayer
	err := s.db.Where("user_id = ?", userID).First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		player = models.GormPlayer{UserID: userID, Name: name}
		if err := s.db.Create(&player).Error; err != nil {
			return nil, err
		}
		return &player, nil
	} else if err != nil {
		return nil, err
	}

	if name != "" && name != player.Name {
		player.Name = name
		if err := s.db.Save(&player).Error; err != nil {
			return nil, err
		}
	}
	return &player, nil
}

func (s *GormStore) CreditBalance(userID int64, amount int64) (int64, error) {
	var balance int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var player models.GormPlayer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&player).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if amount < 0 && player.Balance+amount < 0 {
			return ErrInsufficientBalance
		}
		player.Balance += amount
		balance = player.Balance
		return tx.Model(&player).Update("balance", player.Balance).Error
	})
	return balance, err
}

func (s *GormStore) CreateRoom(room *models.GormRoom) error {
	return s.db.Create(room).Error
}

func (s *GormStore) GetRoom(roomID string) (*models.GormRoom, error) {
	var room models.GormRoom
	if err := s.db.Where("room_id = ?", roomID).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *GormStore) GetRoomByName(name string) (*models.GormRoom, error) {
	var room models.GormRoom
	if err := s.db.Where("name = ?", name).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *GormStore) ListRooms() ([]models.GormRoom, error) {
	var rooms []models.GormRoom
	if err := s.db.Order("id").Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *GormStore) SetRoomStatus(roomID string, status string) error {
	res := s.db.Model(&models.GormRoom{}).Where("room_id = ?", roomID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) ActiveRound(roomID string) (*models.GormRound, error) {
	var round models.GormRound
	err := s.db.Where("room_id = ? AND completed_at IS NULL AND archived_at IS NULL", roomID).
		First(&round).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &round, nil
}

func (s *GormStore) CreateRound(round *models.GormRound) error {
	return s.db.Create(round).Error
}

func (s *GormStore) SetClientSeed(roundID string, seed string) error {
	return s.db.Model(&models.GormRound{}).Where("round_id = ?", roundID).
		Update("client_seed", seed).Error
}

func (s *GormStore) RotateServerSeed(roundID string, seed, hash string) error {
	return s.db.Model(&models.GormRound{}).
		Where("round_id = ? AND completed_at IS NULL", roundID).
		Updates(map[string]interface{}{"server_seed": seed, "server_seed_hash": hash}).Error
}

func (s *GormStore) Participants(roundID string) ([]models.GormParticipant, error) {
	var participants []models.GormParticipant
	err := s.db.Where("round_id = ?", roundID).Order("id").Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (s *GormStore) JoinRound(roomID, roundID string, userID int64, stake int64, maxParticipants int) (*JoinResult, error) {
	var result JoinResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Lock the room row first; its status can flip to RESETTING
		// between the caller's check and this transaction.
		var room models.GormRoom
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", roomID).First(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if room.Status != models.RoomStatusWaiting {
			return ErrRoomNotJoinable
		}

		var round models.GormRound
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ? AND completed_at IS NULL AND archived_at IS NULL", roundID).
			First(&round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotJoinable
			}
			return err
		}

		var count int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ?", roundID).Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= maxParticipants {
			return ErrRoomNotJoinable
		}

		var existing int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ? AND user_id = ?", roundID, userID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrRoomNotJoinable
		}

		var player models.GormPlayer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&player).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if player.Balance < stake {
			return ErrInsufficientBalance
		}
		player.Balance -= stake
		if err := tx.Model(&player).Update("balance", player.Balance).Error; err != nil {
			return err
		}

		participant := models.GormParticipant{
			RoundID: roundID,
			UserID:  userID,
			Stake:   stake,
		}
		if err := tx.Create(&participant).Error; err != nil {
			return err
		}

		var pool int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ?", roundID).
			Select("COALESCE(SUM(stake), 0)").Scan(&pool).Error; err != nil {
			return err
		}

		result = JoinResult{
			Participants: int(count) + 1,
			PrizePool:    pool,
			Balance:      player.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *GormStore) LeaveRound(roundID string, userID int64) (*LeaveResult, error) {
	var result LeaveResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var round models.GormRound
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ? AND completed_at IS NULL AND archived_at IS NULL", roundID).
			First(&round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotAParticipant
			}
			return err
		}

		var participant models.GormParticipant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ? AND user_id = ?", roundID, userID).
			First(&participant).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotAParticipant
			}
			return err
		}

		var player models.GormPlayer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&player).Error; err != nil {
			return err
		}
		player.Balance += participant.Stake
		if err := tx.Model(&player).Update("balance", player.Balance).Error; err != nil {
			return err
		}

		if err := tx.Delete(&participant).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ?", roundID).Count(&count).Error; err != nil {
			return err
		}
		var pool int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ?", roundID).
			Select("COALESCE(SUM(stake), 0)").Scan(&pool).Error; err != nil {
			return err
		}

		result = LeaveResult{
			Participants: int(count),
			PrizePool:    pool,
			Stake:        participant.Stake,
			Balance:      player.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *GormStore) SettleRound(roundID string, entries []SettlementEntry, completedAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var round models.GormRound
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ?", roundID).First(&round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if round.CompletedAt != nil {
			return ErrRoundCompleted
		}

		for _, entry := range entries {
			res := tx.Model(&models.GormParticipant{}).
				Where("round_id = ? AND user_id = ?", roundID, entry.UserID).
				Updates(map[string]interface{}{
					"won_amount": entry.Payout,
					"winner":     entry.Winner,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotAParticipant
			}

			if entry.Payout > 0 {
				var player models.GormPlayer
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("user_id = ?", entry.UserID).First(&player).Error; err != nil {
					return err
				}
				if err := tx.Model(&player).
					Update("balance", player.Balance+entry.Payout).Error; err != nil {
					return err
				}
			}
		}

		return tx.Model(&round).Update("completed_at", completedAt).Error
	})
}

func (s *GormStore) LockRound(roundID string, lockedAt time.Time) error {
	return s.db.Model(&models.GormRound{}).
		Where("round_id = ? AND locked_at IS NULL", roundID).
		Update("locked_at", lockedAt).Error
}

func (s *GormStore) ArchiveRound(roundID string, archivedAt time.Time) (bool, error) {
	archived := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var round models.GormRound
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("round_id = ?", roundID).First(&round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if round.ArchivedAt != nil {
			return nil
		}
		if err := tx.Model(&round).Update("archived_at", archivedAt).Error; err != nil {
			return err
		}
		archived = true
		return nil
	})
	return archived, err
}

func (s *GormStore) PurgeRound(roundID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.GormParticipant{}).
			Where("round_id = ?", roundID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Where("round_id = ? AND completed_at IS NULL", roundID).
			Delete(&models.GormRound{}).Error
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
