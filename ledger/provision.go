package ledger

import (
	"github.com/google/uuid"

	"github.com/wfunc/raffleserver/config"
	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/persistence"
	"github.com/wfunc/raffleserver/selector"
)

// EnsureRooms creates the configured rooms that do not exist yet, matching
// by name, and returns every room the server should coordinate.
func (l *Ledger) EnsureRooms(cfgs []config.RoomConfig, defaultCountdown int) ([]models.GormRoom, error) {
	for _, cfg := range cfgs {
		_, err := l.store.GetRoomByName(cfg.Name)
		if err == nil {
			continue
		}
		if err != persistence.ErrRecordNotFound {
			return nil, err
		}

		countdown := cfg.CountdownSecs
		if countdown <= 0 {
			countdown = defaultCountdown
		}
		winnerCount := cfg.WinnerCount
		if winnerCount <= 0 {
			winnerCount = 1
		}
		if winnerCount > selector.MaxWinners {
			logger.Log.Warnw("clamping winner count", "room", cfg.Name, "configured", cfg.WinnerCount, "max", selector.MaxWinners)
			winnerCount = selector.MaxWinners
		}

		room := &models.GormRoom{
			RoomID:          uuid.New().String(),
			Name:            cfg.Name,
			BetAmount:       cfg.BetAmount,
			MinParticipants: cfg.MinParticipants,
			MaxParticipants: cfg.MaxParticipants,
			CountdownSecs:   countdown,
			WinnerCount:     winnerCount,
			FeeBps:          cfg.FeeBps,
			Status:          models.RoomStatusWaiting,
		}
		if err := l.store.CreateRoom(room); err != nil {
			return nil, err
		}
	}
	return l.store.ListRooms()
}
