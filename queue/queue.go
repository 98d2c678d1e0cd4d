// Package queue serializes winner computation so at most one job is
// pending or running per room, while separate rooms settle concurrently
// on a small worker pool. Results come back on a typed event channel
// rather than a shared event bus, so the dependency from queue to
// coordinator stays visible.
package queue

import (
	"sync"

	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
)

// Processor computes and settles the winners of a room's active round.
type Processor interface {
	ProcessRound(roomID string) (*ledger.Settlement, error)
}

// Event is the outcome of one processing job. Settlement is nil when Err
// is set.
type Event struct {
	RoomID     string
	Settlement *ledger.Settlement
	Err        error
}

type Queue struct {
	processor Processor
	workers   int

	events chan Event
	workCh chan string

	inFlight map[string]bool
	mutex    sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(processor Processor, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		processor: processor,
		workers:   workers,
		events:    make(chan Event, 64),
		workCh:    make(chan string, workers*4),
		inFlight:  make(map[string]bool),
	}
}

func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop waits for running jobs to finish, then closes the event channel.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.workCh)
		q.wg.Wait()
		close(q.events)
	})
}

// Enqueue schedules winner processing for a room. Returns false without
// scheduling anything if a job for the room is already pending or running.
func (q *Queue) Enqueue(roomID string) bool {
	q.mutex.Lock()
	if q.inFlight[roomID] {
		q.mutex.Unlock()
		logger.Log.Debugw("dropping duplicate processing request", "room_id", roomID)
		return false
	}
	q.inFlight[roomID] = true
	q.mutex.Unlock()

	select {
	case q.workCh <- roomID:
		return true
	default:
		// Should not happen with a sane worker count; unmark so the
		// room is not wedged.
		q.mutex.Lock()
		delete(q.inFlight, roomID)
		q.mutex.Unlock()
		logger.Log.Errorw("processing queue full", "room_id", roomID)
		return false
	}
}

// Events delivers one Event per completed or failed job.
func (q *Queue) Events() <-chan Event {
	return q.events
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for roomID := range q.workCh {
		settlement, err := q.processor.ProcessRound(roomID)

		q.mutex.Lock()
		delete(q.inFlight, roomID)
		q.mutex.Unlock()

		if err != nil {
			logger.Log.Errorw("winner processing failed",
				"room_id", roomID, "worker", id, "error", err)
			q.events <- Event{RoomID: roomID, Err: err}
			continue
		}

		q.events <- Event{RoomID: roomID, Settlement: settlement}
	}
}
