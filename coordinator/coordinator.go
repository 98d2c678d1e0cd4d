// Package coordinator drives each room through its round lifecycle:
//
//	WAITING -> countdown -> animation -> processing -> settling -> reset -> WAITING
//
// It owns every per-room timer, de-duplicates the competing completion
// signals (client animation-done vs. server fallback), and fans results
// out to the authoritative participant set. Rooms are independent: no
// lock is shared across the lifecycle of two rooms except the
// coordinator's own bookkeeping mutex.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/raffleserver/audit"
	"github.com/wfunc/raffleserver/config"
	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/monitor"
	"github.com/wfunc/raffleserver/network"
	"github.com/wfunc/raffleserver/queue"
	"github.com/wfunc/raffleserver/timer"
)

var (
	ErrUnknownRoom  = errors.New("room is not coordinated")
	ErrNoActivePlay = errors.New("room has no round awaiting completion")
)

// RoundLedger is what the coordinator needs from the round ledger.
type RoundLedger interface {
	Join(roomID string, userID int64, clientSeed string) (*ledger.JoinResult, error)
	Leave(roomID string, userID int64) (*ledger.LeaveResult, error)
	ResetRoom(roomID, settledRoundID string) (*ledger.ResetResult, error)
	SetRoomStatus(roomID, status string) error
	RotateSeed(roomID string) (string, error)
	LockActiveRound(roomID string) error
	ActiveRoundID(roomID string) string
	Room(roomID string) (*models.GormRoom, error)
	PlayerBalance(userID int64) (int64, error)
}

// Enqueuer schedules winner processing; a duplicate request for a room
// already pending or running returns false.
type Enqueuer interface {
	Enqueue(roomID string) bool
}

// Broadcaster is the fanout surface the coordinator publishes through.
type Broadcaster interface {
	BroadcastRoom(roomID string, msgID uint16, v interface{})
	NotifyParticipants(roomID, roundID string, msgID uint16, targeted, spectator interface{})
	SendToUser(userID int64, msgID uint16, v interface{})
}

// Lifecycle phases tracked in memory, finer grained than the persisted
// room status.
type phase int

const (
	phaseWaiting phase = iota
	phaseCountdown
	phaseAnimation
	phaseProcessing
	phaseSettling
	phaseResetting
)

// Timer names within the per-room arena.
const (
	timerCountdown = "countdown"
	timerFallback  = "fallback"
	timerReset     = "reset"
)

type roomState struct {
	room      *models.GormRoom
	roundID   string
	seedHash  string
	phase     phase
	remaining int
	// animationAt records when the draw signal went out, for the
	// settlement latency metric.
	animationAt time.Time
}

type Coordinator struct {
	ledger  RoundLedger
	queue   Enqueuer
	fanout  Broadcaster
	sink    audit.Notifier
	timers  *timer.Arena
	clock   clockwork.Clock
	metrics *monitor.Monitor
	cfg     config.GameConfig

	mutex sync.Mutex
	rooms map[string]*roomState
	// processed holds round IDs already submitted for winner
	// computation. An ID is added synchronously with the decision to
	// enqueue and evicted on room reset.
	processed map[string]bool
}

func New(l RoundLedger, q Enqueuer, f Broadcaster, sink audit.Notifier,
	clock clockwork.Clock, metrics *monitor.Monitor, cfg config.GameConfig) *Coordinator {
	return &Coordinator{
		ledger:    l,
		queue:     q,
		fanout:    f,
		sink:      sink,
		timers:    timer.NewArena(clock),
		clock:     clock,
		metrics:   metrics,
		cfg:       cfg,
		rooms:     make(map[string]*roomState),
		processed: make(map[string]bool),
	}
}

// Register places rooms under coordination and recovers any that a crash
// left mid-lifecycle: an ACTIVE room with an unprocessed round is
// re-enqueued, a RESETTING room finishes its reset.
func (c *Coordinator) Register(rooms []models.GormRoom) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range rooms {
		room := rooms[i]
		rs := &roomState{room: &room, phase: phaseWaiting}
		rs.roundID = c.ledger.ActiveRoundID(room.RoomID)
		c.rooms[room.RoomID] = rs

		switch room.Status {
		case models.RoomStatusActive:
			if rs.roundID != "" {
				logger.Log.Warnw("recovering stuck room", "room_id", room.RoomID, "round_id", rs.roundID)
				c.enqueueRoundLocked(rs, rs.roundID)
			} else {
				c.resetLocked(rs, "")
			}
		case models.RoomStatusResetting:
			c.resetLocked(rs, "")
		}
	}
	c.metrics.SetActiveRooms(len(c.rooms))
}

// Run consumes processing results until ctx is cancelled or the channel
// closes.
func (c *Coordinator) Run(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// Stop cancels every pending timer.
func (c *Coordinator) Stop() {
	c.timers.Stop()
}

// HandleJoin stakes a user into a room and starts the countdown when the
// minimum participant count is reached.
func (c *Coordinator) HandleJoin(roomID string, userID int64, clientSeed string) (*ledger.JoinResult, error) {
	res, err := c.ledger.Join(roomID, userID, clientSeed)
	if err != nil {
		return nil, err
	}

	c.sink.BalanceChanged(userID, res.Balance, "stake")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return res, nil
	}
	rs.roundID = res.RoundID
	rs.seedHash = res.SeedHash

	if rs.phase == phaseWaiting && res.Participants >= res.Room.MinParticipants {
		c.startCountdownLocked(rs)
	}
	return res, nil
}

// HandleLeave refunds a user out of a room; dropping below the minimum
// during a countdown cancels it with no further side effects.
func (c *Coordinator) HandleLeave(roomID string, userID int64) (*ledger.LeaveResult, error) {
	res, err := c.ledger.Leave(roomID, userID)
	if err != nil {
		return nil, err
	}

	c.sink.BalanceChanged(userID, res.Balance, "refund")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return res, nil
	}

	if rs.phase == phaseCountdown && res.Participants < res.Room.MinParticipants {
		c.timers.Cancel(roomID, timerCountdown)
		rs.phase = phaseWaiting
		rs.remaining = 0
		c.metrics.DecCountdowns()
		logger.Log.Infow("countdown cancelled, below minimum",
			"room_id", roomID, "participants", res.Participants)
		c.fanout.BroadcastRoom(roomID, network.MsgTypeRoomState, models.RoomStatePayload{
			RoomID:       roomID,
			RoundID:      rs.roundID,
			Status:       models.RoomStatusWaiting,
			Participants: res.Participants,
			PrizePool:    res.PrizePool,
		})
	}
	return res, nil
}

// HandleAnimationDone is the client-reported completion signal. Calls
// outside the animation window, or for a round already submitted, are
// no-ops.
func (c *Coordinator) HandleAnimationDone(roomID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok || rs.phase != phaseAnimation {
		return
	}
	c.enqueueRoundLocked(rs, rs.roundID)
}

// CountdownRemaining reports the seconds left in a room's countdown, for
// snapshot assembly. Zero when no countdown is running.
func (c *Coordinator) CountdownRemaining(roomID string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if rs, ok := c.rooms[roomID]; ok && rs.phase == phaseCountdown {
		return rs.remaining
	}
	return 0
}

// Reprocess is the operator recovery path for a room whose round failed
// processing. The server seed is rotated first so the abandoned draw is
// never replayed with the same seed, then processing is re-enqueued.
func (c *Coordinator) Reprocess(roomID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return ErrUnknownRoom
	}
	roundID := c.ledger.ActiveRoundID(roomID)
	if roundID == "" {
		return ErrNoActivePlay
	}

	hash, err := c.ledger.RotateSeed(roomID)
	if err != nil {
		return err
	}
	delete(c.processed, roundID)
	rs.roundID = roundID
	rs.seedHash = hash

	if err := c.ledger.SetRoomStatus(roomID, models.RoomStatusActive); err != nil {
		return err
	}
	c.enqueueRoundLocked(rs, roundID)
	return nil
}

// startCountdownLocked begins a fresh countdown, cancelling any stale
// timers for the room first so two countdowns can never overlap.
func (c *Coordinator) startCountdownLocked(rs *roomState) {
	roomID := rs.room.RoomID
	c.timers.Cancel(roomID, timerCountdown)
	c.timers.Cancel(roomID, timerFallback)

	rs.phase = phaseCountdown
	rs.remaining = rs.room.CountdownSecs
	c.metrics.IncCountdowns()

	logger.Log.Infow("countdown started",
		"room_id", roomID, "round_id", rs.roundID, "seconds", rs.remaining)

	c.fanout.BroadcastRoom(roomID, network.MsgTypeCountdownTick, models.CountdownTickPayload{
		RoomID:    roomID,
		RoundID:   rs.roundID,
		Remaining: rs.remaining,
	})
	c.timers.Schedule(roomID, timerCountdown, time.Second, func() { c.tick(roomID) })
}

func (c *Coordinator) tick(roomID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok || rs.phase != phaseCountdown {
		return
	}

	rs.remaining--
	if rs.remaining > 0 {
		c.fanout.BroadcastRoom(roomID, network.MsgTypeCountdownTick, models.CountdownTickPayload{
			RoomID:    roomID,
			RoundID:   rs.roundID,
			Remaining: rs.remaining,
		})
		c.timers.Schedule(roomID, timerCountdown, time.Second, func() { c.tick(roomID) })
		return
	}

	c.metrics.DecCountdowns()
	c.beginAnimationLocked(rs)
}

// beginAnimationLocked closes the room to joins, broadcasts the draw
// signal and arms the fallback timer. From here two completion paths
// compete: the client animation-done signal and the fallback; the
// processed-round marker makes whichever fires second a no-op.
func (c *Coordinator) beginAnimationLocked(rs *roomState) {
	roomID := rs.room.RoomID
	roundID := rs.roundID

	// A round that failed processing earlier gets a fresh seed before a
	// new draw is attempted.
	if c.processed[roundID] {
		hash, err := c.ledger.RotateSeed(roomID)
		if err != nil {
			logger.Log.Errorw("seed rotation failed", "room_id", roomID, "error", err)
			rs.phase = phaseWaiting
			return
		}
		delete(c.processed, roundID)
		rs.seedHash = hash
	}

	if err := c.ledger.SetRoomStatus(roomID, models.RoomStatusActive); err != nil {
		logger.Log.Errorw("room activation failed", "room_id", roomID, "error", err)
		rs.phase = phaseWaiting
		return
	}
	// The round is now stakes-committed: leaves no longer refund, even if
	// processing later fails and the room reopens.
	if err := c.ledger.LockActiveRound(roomID); err != nil {
		logger.Log.Errorw("round lock failed", "room_id", roomID, "round_id", roundID, "error", err)
	}

	rs.phase = phaseAnimation
	rs.animationAt = c.clock.Now()

	logger.Log.Infow("animation started", "room_id", roomID, "round_id", roundID)

	c.fanout.BroadcastRoom(roomID, network.MsgTypeAnimationStart, models.AnimationStartPayload{
		RoomID:   roomID,
		RoundID:  roundID,
		SeedHash: rs.seedHash,
		Duration: c.cfg.AnimationSeconds,
	})

	c.timers.Schedule(roomID, timerFallback, c.cfg.AnimationWindow(), func() {
		c.fallback(roomID, roundID)
	})
}

// fallback fires when no client confirmed the animation in time. The
// round ID was captured when the timer was armed, so a stale timer from
// a previous round cannot touch the current one.
func (c *Coordinator) fallback(roomID, roundID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok || rs.roundID != roundID || rs.phase != phaseAnimation {
		return
	}
	if c.processed[roundID] {
		return
	}
	logger.Log.Warnw("fallback timer fired, client never confirmed",
		"room_id", roomID, "round_id", roundID)
	c.metrics.IncFallbackTriggers()
	c.enqueueRoundLocked(rs, roundID)
}

// enqueueRoundLocked records the processing decision and schedules the
// job. The marker is set before the queue is touched: the second of two
// racing triggers must observe it even if the queue has not yet
// acknowledged the first.
func (c *Coordinator) enqueueRoundLocked(rs *roomState, roundID string) {
	if c.processed[roundID] {
		return
	}
	c.processed[roundID] = true
	rs.phase = phaseProcessing
	roomID := rs.room.RoomID
	c.timers.Cancel(roomID, timerFallback)
	if !c.queue.Enqueue(roomID) {
		// The queue refused the job, likely saturated. Back out the
		// marker and return to the animation phase with the fallback
		// re-armed, so the round is retried instead of wedged.
		delete(c.processed, roundID)
		rs.phase = phaseAnimation
		logger.Log.Warnw("processing queue rejected round, retrying",
			"room_id", roomID, "round_id", roundID)
		c.timers.Schedule(roomID, timerFallback, time.Second, func() {
			c.fallback(roomID, roundID)
		})
	}
}

func (c *Coordinator) handleEvent(ev queue.Event) {
	if ev.Err != nil {
		c.handleFailure(ev.RoomID, ev.Err)
		return
	}
	c.handleSettlement(ev.RoomID, ev.Settlement)
}

func (c *Coordinator) handleSettlement(roomID string, settlement *ledger.Settlement) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return
	}
	rs.phase = phaseSettling

	if !rs.animationAt.IsZero() {
		c.metrics.ObserveSettlementLatency(c.clock.Now().Sub(rs.animationAt))
	}
	c.metrics.IncRoundsSettled()

	result := models.WinnerResultPayload{
		RoomID:      roomID,
		RoundID:     settlement.RoundID,
		PrizePool:   settlement.Result.PrizePool,
		PlatformFee: settlement.Result.PlatformFee,
		ServerSeed:  settlement.ServerSeed,
		ClientSeed:  settlement.ClientSeed,
		SettledAt:   settlement.SettledAt,
	}
	for _, w := range settlement.Result.Winners {
		result.Winners = append(result.Winners, models.WinnerEntry{
			UserID: w.UserID,
			Rank:   w.Rank,
			Payout: w.Payout,
		})
	}

	targeted := result
	targeted.Targeted = true
	c.fanout.NotifyParticipants(roomID, settlement.RoundID, network.MsgTypeWinnerResult, targeted, result)

	for _, w := range settlement.Result.Winners {
		balance, err := c.ledger.PlayerBalance(w.UserID)
		if err != nil {
			logger.Log.Warnw("winner balance lookup failed", "user_id", w.UserID, "error", err)
			continue
		}
		c.fanout.SendToUser(w.UserID, network.MsgTypeBalanceUpdate, models.BalancePayload{
			UserID:  w.UserID,
			RoundID: settlement.RoundID,
			Balance: balance,
			Reason:  "payout",
		})
		c.sink.BalanceChanged(w.UserID, balance, "payout")
	}

	c.sink.WinnerAnnounced(settlement)

	logger.Log.Infow("round settled",
		"room_id", roomID,
		"round_id", settlement.RoundID,
		"prize_pool", settlement.Result.PrizePool,
		"platform_fee", settlement.Result.PlatformFee,
		"winners", len(settlement.Result.Winners))

	rs.phase = phaseResetting
	if err := c.ledger.SetRoomStatus(roomID, models.RoomStatusResetting); err != nil {
		logger.Log.Errorw("room resetting transition failed", "room_id", roomID, "error", err)
	}

	roundID := settlement.RoundID
	c.timers.Schedule(roomID, timerReset, c.cfg.ResetDelay(), func() {
		c.Reset(roomID, roundID)
	})
}

func (c *Coordinator) handleFailure(roomID string, procErr error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return
	}

	c.metrics.IncProcessingFailures()

	roundID := rs.roundID
	rs.phase = phaseWaiting
	rs.remaining = 0
	c.timers.Cancel(roomID, timerFallback)

	// The round is abandoned, not retried: stakes stay committed and the
	// processed marker stays set until a recovery path rotates the seed.
	if err := c.ledger.SetRoomStatus(roomID, models.RoomStatusWaiting); err != nil {
		logger.Log.Errorw("room reopen failed", "room_id", roomID, "error", err)
	}

	c.fanout.BroadcastRoom(roomID, network.MsgTypeProcessingFailed, models.ProcessingFailedPayload{
		RoomID:  roomID,
		RoundID: roundID,
		Reason:  "winner processing failed",
	})
	c.sink.RoundFailed(roomID, roundID, procErr.Error())
}

// Reset archives the settled round, reopens the room and announces the
// fresh WAITING state. Resetting an already-reset room changes no
// balances and repeats no broadcasts.
func (c *Coordinator) Reset(roomID, settledRoundID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return
	}
	c.resetLocked(rs, settledRoundID)
}

func (c *Coordinator) resetLocked(rs *roomState, settledRoundID string) {
	roomID := rs.room.RoomID

	alreadyReset := rs.phase == phaseWaiting && rs.roundID == ""

	c.timers.Cancel(roomID, timerCountdown)
	c.timers.Cancel(roomID, timerFallback)

	res, err := c.ledger.ResetRoom(roomID, settledRoundID)
	if err != nil {
		logger.Log.Errorw("room reset failed", "room_id", roomID, "error", err)
		return
	}

	if settledRoundID != "" {
		delete(c.processed, settledRoundID)
	}
	rs.roundID = ""
	rs.seedHash = ""
	rs.remaining = 0
	rs.phase = phaseWaiting
	rs.animationAt = time.Time{}

	if alreadyReset && !res.Archived && !res.Purged {
		return
	}

	logger.Log.Infow("room reset", "room_id", roomID,
		"archived", res.Archived, "purged", res.Purged)

	c.fanout.BroadcastRoom(roomID, network.MsgTypeRoomReset, models.RoomStatePayload{
		RoomID:       roomID,
		Status:       models.RoomStatusWaiting,
		Participants: 0,
		PrizePool:    0,
	})
}
