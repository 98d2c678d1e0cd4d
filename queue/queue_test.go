package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/raffleserver/ledger"
)

// blockingProcessor holds jobs until released so tests can observe the
// in-flight window.
type blockingProcessor struct {
	release chan struct{}
	err     error

	mutex sync.Mutex
	calls []string
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{release: make(chan struct{})}
}

func (p *blockingProcessor) ProcessRound(roomID string) (*ledger.Settlement, error) {
	p.mutex.Lock()
	p.calls = append(p.calls, roomID)
	p.mutex.Unlock()

	<-p.release
	if p.err != nil {
		return nil, p.err
	}
	return &ledger.Settlement{RoundID: "round-" + roomID}, nil
}

func (p *blockingProcessor) callCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.calls)
}

func waitEvent(t *testing.T, q *Queue) Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a queue event")
		return Event{}
	}
}

func TestEnqueue_DeliversSettlement(t *testing.T) {
	p := newBlockingProcessor()
	q := New(p, 2)
	q.Start()
	defer q.Stop()

	if !q.Enqueue("room-1") {
		t.Fatal("First enqueue should be accepted")
	}
	close(p.release)

	ev := waitEvent(t, q)
	if ev.RoomID != "room-1" || ev.Err != nil {
		t.Fatalf("Unexpected event: %+v", ev)
	}
	if ev.Settlement.RoundID != "round-room-1" {
		t.Fatalf("Unexpected settlement: %+v", ev.Settlement)
	}
}

func TestEnqueue_DuplicateDropped(t *testing.T) {
	p := newBlockingProcessor()
	q := New(p, 2)
	q.Start()
	defer q.Stop()

	if !q.Enqueue("room-1") {
		t.Fatal("First enqueue should be accepted")
	}
	if q.Enqueue("room-1") {
		t.Fatal("Duplicate enqueue while in flight should be dropped")
	}

	close(p.release)
	waitEvent(t, q)

	if p.callCount() != 1 {
		t.Fatalf("Processor should run once, ran %d times", p.callCount())
	}
}

func TestEnqueue_AcceptedAgainAfterCompletion(t *testing.T) {
	p := newBlockingProcessor()
	q := New(p, 1)
	q.Start()
	defer q.Stop()

	q.Enqueue("room-1")
	close(p.release)
	waitEvent(t, q)

	if !q.Enqueue("room-1") {
		t.Fatal("Room should be schedulable again after its job completed")
	}
	waitEvent(t, q)
}

func TestEnqueue_FailureEmitsErrorEvent(t *testing.T) {
	p := newBlockingProcessor()
	p.err = errors.New("draw exploded")
	q := New(p, 1)
	q.Start()
	defer q.Stop()

	q.Enqueue("room-1")
	close(p.release)

	ev := waitEvent(t, q)
	if ev.Err == nil || ev.Settlement != nil {
		t.Fatalf("Expected error event, got %+v", ev)
	}

	// A failed room is no longer in flight.
	if !q.Enqueue("room-1") {
		t.Fatal("Failed room should be schedulable again")
	}
	waitEvent(t, q)
}

func TestDistinctRoomsRunIndependently(t *testing.T) {
	p := newBlockingProcessor()
	q := New(p, 4)
	q.Start()
	defer q.Stop()

	if !q.Enqueue("room-1") || !q.Enqueue("room-2") {
		t.Fatal("Distinct rooms should both be accepted")
	}
	close(p.release)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[waitEvent(t, q).RoomID] = true
	}
	if !got["room-1"] || !got["room-2"] {
		t.Fatalf("Expected events for both rooms, got %v", got)
	}
}

func TestStop_DrainsAndCloses(t *testing.T) {
	p := newBlockingProcessor()
	q := New(p, 1)
	q.Start()

	q.Enqueue("room-1")
	close(p.release)
	waitEvent(t, q)

	q.Stop()
	q.Stop() // second stop is safe

	if _, open := <-q.Events(); open {
		t.Fatal("Events channel should be closed after Stop")
	}
}
