package coordinator

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/raffleserver/audit"
	"github.com/wfunc/raffleserver/config"
	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/network"
	"github.com/wfunc/raffleserver/queue"
	"github.com/wfunc/raffleserver/selector"
)

// fakeLedger is a RoundLedger double tracking just enough state to drive
// the lifecycle.
type fakeLedger struct {
	room         *models.GormRoom
	roundID      string
	seedHash     string
	participants int
	rotations    int
	locks        int
	statuses     []string
	resets       []string
	joinErr      error
	leaveErr     error
}

func (f *fakeLedger) Join(roomID string, userID int64, clientSeed string) (*ledger.JoinResult, error) {
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.participants++
	return &ledger.JoinResult{
		Room:         f.room,
		RoundID:      f.roundID,
		SeedHash:     f.seedHash,
		Participants: f.participants,
		PrizePool:    int64(f.participants) * f.room.BetAmount,
		Balance:      10000 - f.room.BetAmount,
	}, nil
}

func (f *fakeLedger) Leave(roomID string, userID int64) (*ledger.LeaveResult, error) {
	if f.leaveErr != nil {
		return nil, f.leaveErr
	}
	f.participants--
	return &ledger.LeaveResult{
		Room:         f.room,
		RoundID:      f.roundID,
		Participants: f.participants,
		PrizePool:    int64(f.participants) * f.room.BetAmount,
		Stake:        f.room.BetAmount,
		Balance:      10000,
	}, nil
}

func (f *fakeLedger) ResetRoom(roomID, settledRoundID string) (*ledger.ResetResult, error) {
	f.resets = append(f.resets, settledRoundID)
	archived := settledRoundID != "" && settledRoundID == f.roundID
	if archived {
		f.roundID = ""
		f.participants = 0
	}
	f.room.Status = models.RoomStatusWaiting
	return &ledger.ResetResult{RoundID: settledRoundID, Archived: archived}, nil
}

func (f *fakeLedger) SetRoomStatus(roomID, status string) error {
	f.statuses = append(f.statuses, status)
	f.room.Status = status
	return nil
}

func (f *fakeLedger) RotateSeed(roomID string) (string, error) {
	f.rotations++
	f.seedHash = fmt.Sprintf("hash-%d", f.rotations)
	return f.seedHash, nil
}

func (f *fakeLedger) LockActiveRound(roomID string) error {
	f.locks++
	return nil
}

func (f *fakeLedger) ActiveRoundID(roomID string) string { return f.roundID }

func (f *fakeLedger) Room(roomID string) (*models.GormRoom, error) { return f.room, nil }

func (f *fakeLedger) PlayerBalance(userID int64) (int64, error) { return 12000, nil }

type fakeQueue struct {
	enqueued []string
	// reject simulates a saturated queue refusing new work.
	reject bool
}

func (f *fakeQueue) Enqueue(roomID string) bool {
	if f.reject {
		return false
	}
	f.enqueued = append(f.enqueued, roomID)
	return true
}

type broadcastCall struct {
	RoomID  string
	MsgID   uint16
	Payload interface{}
}

type notifyCall struct {
	RoomID    string
	RoundID   string
	MsgID     uint16
	Targeted  interface{}
	Spectator interface{}
}

type fakeFanout struct {
	broadcasts []broadcastCall
	notifies   []notifyCall
	userSends  []broadcastCall
}

func (f *fakeFanout) BroadcastRoom(roomID string, msgID uint16, v interface{}) {
	f.broadcasts = append(f.broadcasts, broadcastCall{roomID, msgID, v})
}

func (f *fakeFanout) NotifyParticipants(roomID, roundID string, msgID uint16, targeted, spectator interface{}) {
	f.notifies = append(f.notifies, notifyCall{roomID, roundID, msgID, targeted, spectator})
}

func (f *fakeFanout) SendToUser(userID int64, msgID uint16, v interface{}) {
	f.userSends = append(f.userSends, broadcastCall{"", msgID, v})
}

func (f *fakeFanout) lastBroadcast(msgID uint16) (broadcastCall, bool) {
	for i := len(f.broadcasts) - 1; i >= 0; i-- {
		if f.broadcasts[i].MsgID == msgID {
			return f.broadcasts[i], true
		}
	}
	return broadcastCall{}, false
}

func (f *fakeFanout) countBroadcasts(msgID uint16) int {
	n := 0
	for _, b := range f.broadcasts {
		if b.MsgID == msgID {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeLedger, *fakeQueue, *fakeFanout) {
	t.Helper()
	ldg := &fakeLedger{
		room: &models.GormRoom{
			RoomID:          "room-1",
			Name:            "Bronze",
			BetAmount:       1000,
			MinParticipants: 2,
			MaxParticipants: 5,
			CountdownSecs:   3,
			WinnerCount:     1,
			FeeBps:          1000,
			Status:          models.RoomStatusWaiting,
		},
		roundID:  "round-1",
		seedHash: "hash-0",
	}
	q := &fakeQueue{}
	fan := &fakeFanout{}
	cfg := config.GameConfig{
		CountdownSeconds:      3,
		AnimationSeconds:      2,
		FallbackMarginSeconds: 1,
		ResetDelaySeconds:     1,
	}
	c := New(ldg, q, fan, audit.Nop{}, clockwork.NewFakeClock(), nil, cfg)
	c.Register([]models.GormRoom{*ldg.room})
	return c, ldg, q, fan
}

// runCountdown drains a 3-second countdown by firing the tick handler the
// way the countdown timer would.
func runCountdown(c *Coordinator) {
	c.tick("room-1")
	c.tick("room-1")
	c.tick("room-1")
}

func fillRoom(t *testing.T, c *Coordinator) {
	t.Helper()
	for i := int64(1); i <= 2; i++ {
		if _, err := c.HandleJoin("room-1", i, ""); err != nil {
			t.Fatalf("HandleJoin failed: %v", err)
		}
	}
}

func testSettlement(roundID string) *ledger.Settlement {
	return &ledger.Settlement{
		RoundID: roundID,
		Result: &selector.Result{
			Winners:     []selector.Winner{{UserID: 2, Rank: 1, Payout: 1800}},
			PrizePool:   2000,
			PlatformFee: 200,
		},
		ServerSeed: "revealed-seed",
		SettledAt:  time.Now(),
	}
}

func TestCountdownStartsAtMinimum(t *testing.T) {
	c, _, _, fan := newTestCoordinator(t)

	if _, err := c.HandleJoin("room-1", 1, ""); err != nil {
		t.Fatalf("HandleJoin failed: %v", err)
	}
	if c.CountdownRemaining("room-1") != 0 {
		t.Fatal("One participant should not start a countdown")
	}

	if _, err := c.HandleJoin("room-1", 2, ""); err != nil {
		t.Fatalf("HandleJoin failed: %v", err)
	}
	if c.CountdownRemaining("room-1") != 3 {
		t.Fatalf("Expected countdown at 3, got %d", c.CountdownRemaining("room-1"))
	}

	b, ok := fan.lastBroadcast(network.MsgTypeCountdownTick)
	if !ok {
		t.Fatal("Countdown start should broadcast a tick")
	}
	tick := b.Payload.(models.CountdownTickPayload)
	if tick.Remaining != 3 || tick.RoundID != "round-1" {
		t.Fatalf("Unexpected tick payload: %+v", tick)
	}
}

func TestThirdJoinDoesNotRestartCountdown(t *testing.T) {
	c, _, _, fan := newTestCoordinator(t)

	fillRoom(t, c)
	c.tick("room-1")
	before := fan.countBroadcasts(network.MsgTypeCountdownTick)

	if _, err := c.HandleJoin("room-1", 3, ""); err != nil {
		t.Fatalf("HandleJoin failed: %v", err)
	}
	if c.CountdownRemaining("room-1") != 2 {
		t.Fatalf("Late join should not reset the countdown, got %d", c.CountdownRemaining("room-1"))
	}
	if fan.countBroadcasts(network.MsgTypeCountdownTick) != before {
		t.Fatal("Late join should not emit an extra tick")
	}
}

func TestCountdownCancelledBelowMinimum(t *testing.T) {
	c, ldg, q, fan := newTestCoordinator(t)

	fillRoom(t, c)
	c.tick("room-1")

	if _, err := c.HandleLeave("room-1", 2); err != nil {
		t.Fatalf("HandleLeave failed: %v", err)
	}
	if c.CountdownRemaining("room-1") != 0 {
		t.Fatal("Countdown should be cancelled below the minimum")
	}

	b, ok := fan.lastBroadcast(network.MsgTypeRoomState)
	if !ok {
		t.Fatal("Cancellation should broadcast the room state")
	}
	state := b.Payload.(models.RoomStatePayload)
	if state.Status != models.RoomStatusWaiting || state.Participants != 1 {
		t.Fatalf("Unexpected state payload: %+v", state)
	}

	// A stale tick after cancellation must not advance anything.
	c.tick("room-1")
	if len(q.enqueued) != 0 {
		t.Fatal("Cancelled countdown should never reach processing")
	}
	if ldg.room.Status != models.RoomStatusWaiting {
		t.Fatalf("Room should stay WAITING, got %s", ldg.room.Status)
	}
}

func TestCountdownRefillsAfterCancel(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	fillRoom(t, c)
	c.HandleLeave("room-1", 2)
	if c.CountdownRemaining("room-1") != 0 {
		t.Fatal("Expected cancelled countdown")
	}

	if _, err := c.HandleJoin("room-1", 3, ""); err != nil {
		t.Fatalf("HandleJoin failed: %v", err)
	}
	if c.CountdownRemaining("room-1") != 3 {
		t.Fatal("Refilling to the minimum should start a fresh full countdown")
	}
}

func TestCountdownZeroBeginsAnimation(t *testing.T) {
	c, ldg, _, fan := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)

	if ldg.room.Status != models.RoomStatusActive {
		t.Fatalf("Room should be ACTIVE during animation, got %s", ldg.room.Status)
	}
	b, ok := fan.lastBroadcast(network.MsgTypeAnimationStart)
	if !ok {
		t.Fatal("Expected animation start broadcast")
	}
	start := b.Payload.(models.AnimationStartPayload)
	if start.RoundID != "round-1" || start.SeedHash != "hash-0" {
		t.Fatalf("Unexpected animation payload: %+v", start)
	}
	if start.Duration != 2 {
		t.Fatalf("Expected animation duration 2, got %d", start.Duration)
	}
	if ldg.locks != 1 {
		t.Fatalf("Animation start should lock the round's stakes, got %d locks", ldg.locks)
	}
}

func TestAnimationDoneEnqueuesOnce(t *testing.T) {
	c, _, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)

	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Expected one enqueue, got %d", len(q.enqueued))
	}

	// Second confirmation and a late fallback are both ignored.
	c.HandleAnimationDone("room-1")
	c.fallback("room-1", "round-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Round processed more than once: %d enqueues", len(q.enqueued))
	}
}

func TestFallbackFiresWhenClientSilent(t *testing.T) {
	c, _, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)

	c.fallback("room-1", "round-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Expected fallback to enqueue, got %d", len(q.enqueued))
	}

	// A client signal arriving after the fallback is a no-op.
	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Round processed more than once: %d enqueues", len(q.enqueued))
	}
}

func TestQueueRejectionRetriesInsteadOfWedging(t *testing.T) {
	c, _, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)

	q.reject = true
	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 0 {
		t.Fatalf("Rejected enqueue should record nothing, got %d", len(q.enqueued))
	}

	// The rejection must not leave a marker behind: once the queue has
	// capacity again the re-armed fallback submits the round.
	q.reject = false
	c.fallback("room-1", "round-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Expected retry to enqueue, got %d", len(q.enqueued))
	}

	// A repeat client confirmation after the successful retry stays a no-op.
	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 1 {
		t.Fatalf("Round processed more than once: %d enqueues", len(q.enqueued))
	}
}

func TestStaleFallbackIgnored(t *testing.T) {
	c, _, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)

	c.fallback("room-1", "some-older-round")
	if len(q.enqueued) != 0 {
		t.Fatal("A stale fallback must not trigger processing")
	}
}

func TestAnimationDoneOutsideWindowIgnored(t *testing.T) {
	c, _, q, _ := newTestCoordinator(t)

	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 0 {
		t.Fatal("Animation-done before any animation should be ignored")
	}
}

func TestSettlementBroadcastAndReset(t *testing.T) {
	c, ldg, _, fan := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")

	c.handleEvent(queue.Event{RoomID: "room-1", Settlement: testSettlement("round-1")})

	if len(fan.notifies) != 1 {
		t.Fatalf("Expected one participant notification, got %d", len(fan.notifies))
	}
	n := fan.notifies[0]
	if n.MsgID != network.MsgTypeWinnerResult || n.RoundID != "round-1" {
		t.Fatalf("Unexpected notification: %+v", n)
	}
	targeted := n.Targeted.(models.WinnerResultPayload)
	spectator := n.Spectator.(models.WinnerResultPayload)
	if !targeted.Targeted || spectator.Targeted {
		t.Fatal("Targeted flag should differ between participant and spectator payloads")
	}
	if targeted.ServerSeed != "revealed-seed" {
		t.Fatal("Settlement should reveal the server seed")
	}

	if len(fan.userSends) != 1 {
		t.Fatalf("Expected one winner balance push, got %d", len(fan.userSends))
	}
	balance := fan.userSends[0].Payload.(models.BalancePayload)
	if balance.Balance != 12000 || balance.Reason != "payout" {
		t.Fatalf("Unexpected balance push: %+v", balance)
	}

	if ldg.room.Status != models.RoomStatusResetting {
		t.Fatalf("Room should be RESETTING after settlement, got %s", ldg.room.Status)
	}

	c.Reset("room-1", "round-1")
	if ldg.room.Status != models.RoomStatusWaiting {
		t.Fatalf("Room should be WAITING after reset, got %s", ldg.room.Status)
	}
	if len(ldg.resets) != 1 || ldg.resets[0] != "round-1" {
		t.Fatalf("Expected one reset for round-1, got %v", ldg.resets)
	}
	if _, ok := fan.lastBroadcast(network.MsgTypeRoomReset); !ok {
		t.Fatal("Reset should broadcast the reopened room")
	}
}

func TestResetIdempotent(t *testing.T) {
	c, _, _, fan := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")
	c.handleEvent(queue.Event{RoomID: "room-1", Settlement: testSettlement("round-1")})

	c.Reset("room-1", "round-1")
	first := fan.countBroadcasts(network.MsgTypeRoomReset)
	c.Reset("room-1", "round-1")

	if fan.countBroadcasts(network.MsgTypeRoomReset) != first {
		t.Fatal("Second reset should not repeat the broadcast")
	}
}

func TestNewRoundProcessableAfterReset(t *testing.T) {
	c, ldg, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")
	c.handleEvent(queue.Event{RoomID: "room-1", Settlement: testSettlement("round-1")})
	c.Reset("room-1", "round-1")

	// Next round under a fresh ID runs the full lifecycle again.
	ldg.roundID = "round-2"
	ldg.seedHash = "hash-next"
	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")

	if len(q.enqueued) != 2 {
		t.Fatalf("Expected second round to enqueue, got %d total", len(q.enqueued))
	}
	if ldg.rotations != 0 {
		t.Fatal("A cleanly settled round should not force a seed rotation")
	}
}

func TestProcessingFailureReopensRoom(t *testing.T) {
	c, ldg, _, fan := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")

	c.handleEvent(queue.Event{RoomID: "room-1", Err: errors.New("draw exploded")})

	if ldg.room.Status != models.RoomStatusWaiting {
		t.Fatalf("Failed room should reopen WAITING, got %s", ldg.room.Status)
	}
	b, ok := fan.lastBroadcast(network.MsgTypeProcessingFailed)
	if !ok {
		t.Fatal("Failure should be broadcast to the room")
	}
	failed := b.Payload.(models.ProcessingFailedPayload)
	if failed.RoundID != "round-1" {
		t.Fatalf("Unexpected failure payload: %+v", failed)
	}
	if len(fan.notifies) != 0 {
		t.Fatal("No winners should be announced on failure")
	}
}

func TestFailedRoundRotatesSeedBeforeRetry(t *testing.T) {
	c, ldg, q, fan := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")
	c.handleEvent(queue.Event{RoomID: "room-1", Err: errors.New("draw exploded")})

	// The stakes are still committed; two more joins restart the countdown
	// for the same round.
	fillRoom(t, c)
	runCountdown(c)

	if ldg.rotations != 1 {
		t.Fatalf("Retried round should rotate its seed, got %d rotations", ldg.rotations)
	}
	b, _ := fan.lastBroadcast(network.MsgTypeAnimationStart)
	if b.Payload.(models.AnimationStartPayload).SeedHash != "hash-1" {
		t.Fatal("Retry animation should publish the rotated commitment")
	}

	c.HandleAnimationDone("room-1")
	if len(q.enqueued) != 2 {
		t.Fatalf("Expected retry to enqueue, got %d total", len(q.enqueued))
	}
}

func TestReprocessRotatesAndEnqueues(t *testing.T) {
	c, ldg, q, _ := newTestCoordinator(t)

	fillRoom(t, c)
	runCountdown(c)
	c.HandleAnimationDone("room-1")
	c.handleEvent(queue.Event{RoomID: "room-1", Err: errors.New("draw exploded")})

	if err := c.Reprocess("room-1"); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if ldg.rotations != 1 {
		t.Fatal("Reprocess should rotate the seed first")
	}
	if ldg.room.Status != models.RoomStatusActive {
		t.Fatalf("Reprocess should reactivate the room, got %s", ldg.room.Status)
	}
	if len(q.enqueued) != 2 {
		t.Fatalf("Expected reprocess to enqueue, got %d total", len(q.enqueued))
	}
}

func TestReprocessUnknownRoom(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	if err := c.Reprocess("no-such-room"); err != ErrUnknownRoom {
		t.Fatalf("Expected ErrUnknownRoom, got %v", err)
	}
}

func TestRegisterRecoversStuckActiveRoom(t *testing.T) {
	ldg := &fakeLedger{
		room: &models.GormRoom{
			RoomID:          "room-1",
			BetAmount:       1000,
			MinParticipants: 2,
			CountdownSecs:   3,
			Status:          models.RoomStatusActive,
		},
		roundID: "round-crash",
	}
	q := &fakeQueue{}
	c := New(ldg, q, &fakeFanout{}, audit.Nop{}, clockwork.NewFakeClock(), nil, config.GameConfig{
		CountdownSeconds: 3, AnimationSeconds: 2, FallbackMarginSeconds: 1, ResetDelaySeconds: 1,
	})

	c.Register([]models.GormRoom{*ldg.room})

	if len(q.enqueued) != 1 {
		t.Fatalf("Boot recovery should enqueue the stuck round, got %d", len(q.enqueued))
	}
}

func TestRegisterResetsAbandonedResettingRoom(t *testing.T) {
	ldg := &fakeLedger{
		room: &models.GormRoom{
			RoomID:          "room-1",
			BetAmount:       1000,
			MinParticipants: 2,
			CountdownSecs:   3,
			Status:          models.RoomStatusResetting,
		},
	}
	c := New(ldg, &fakeQueue{}, &fakeFanout{}, audit.Nop{}, clockwork.NewFakeClock(), nil, config.GameConfig{
		CountdownSeconds: 3, AnimationSeconds: 2, FallbackMarginSeconds: 1, ResetDelaySeconds: 1,
	})

	c.Register([]models.GormRoom{*ldg.room})

	if ldg.room.Status != models.RoomStatusWaiting {
		t.Fatalf("Boot recovery should finish the reset, got %s", ldg.room.Status)
	}
}
