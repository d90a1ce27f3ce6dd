package session

import (
	"sync"
	"time"
)

// renewalTimer owns the single pending renewal. Every path that replaces or
// clears the handle stops the outgoing one first. A callback whose timer was
// replaced after it already fired sees a stale generation and does nothing.
type renewalTimer struct {
	clock Clock

	mu  sync.Mutex
	t   Timer
	at  time.Time
	gen uint64
}

func newRenewalTimer(c Clock) *renewalTimer {
	return &renewalTimer{clock: c}
}

// Reschedule cancels any pending callback and schedules f after d.
func (r *renewalTimer) Reschedule(d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	gen := r.gen
	r.at = r.clock.Now().Add(d)
	r.t = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			return
		}
		r.t = nil
		r.at = time.Time{}
		r.mu.Unlock()
		f()
	})
}

// Cancel stops the pending callback, if any.
func (r *renewalTimer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
}

func (r *renewalTimer) stopLocked() {
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
	r.at = time.Time{}
}

// Pending reports when the next renewal fires.
func (r *renewalTimer) Pending() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.at, r.t != nil
}
