// Package timer keeps one named timer set per room. Cancellation is
// explicit and synchronous: scheduling under a name replaces any timer
// already holding that name, so two countdowns can never overlap for the
// same room.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type key struct {
	roomID string
	name   string
}

// Arena owns every per-room timer in the process.
type Arena struct {
	clock  clockwork.Clock
	mutex  sync.Mutex
	timers map[key]clockwork.Timer
}

func NewArena(clock clockwork.Clock) *Arena {
	return &Arena{
		clock:  clock,
		timers: make(map[key]clockwork.Timer),
	}
}

// Schedule runs fn after delay under (roomID, name), replacing any pending
// timer with the same key. fn runs on the timer goroutine; the arena entry
// is removed before fn executes.
func (a *Arena) Schedule(roomID, name string, delay time.Duration, fn func()) {
	k := key{roomID: roomID, name: name}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if existing, ok := a.timers[k]; ok {
		existing.Stop()
	}
	a.timers[k] = a.clock.AfterFunc(delay, func() {
		a.mutex.Lock()
		delete(a.timers, k)
		a.mutex.Unlock()
		fn()
	})
}

// Cancel stops and removes a pending timer. Cancelling a timer that
// already fired or never existed is a no-op.
func (a *Arena) Cancel(roomID, name string) {
	k := key{roomID: roomID, name: name}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if t, ok := a.timers[k]; ok {
		t.Stop()
		delete(a.timers, k)
	}
}

// CancelRoom stops every pending timer for a room.
func (a *Arena) CancelRoom(roomID string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for k, t := range a.timers {
		if k.roomID == roomID {
			t.Stop()
			delete(a.timers, k)
		}
	}
}

// Pending reports whether a timer is scheduled under (roomID, name).
func (a *Arena) Pending(roomID, name string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.timers[key{roomID: roomID, name: name}]
	return ok
}

// Stop cancels everything. Called on shutdown.
func (a *Arena) Stop() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for k, t := range a.timers {
		t.Stop()
		delete(a.timers, k)
	}
}
