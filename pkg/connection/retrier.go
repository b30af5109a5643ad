package connection

import "time"

// Retrier gates reconnect attempts from a poll loop. It holds no timers
// and starts no goroutines: the loop reports connection loss and attempt
// outcomes, and asks whether the next attempt is due.
//
// Not safe for concurrent use; the poll loop owns it.
type Retrier struct {
	backoff *Backoff
	next    time.Time
	armed   bool
}

// NewRetrier creates a retrier with the default backoff policy.
func NewRetrier() *Retrier {
	return NewRetrierWithBackoff(NewBackoff())
}

// NewRetrierWithBackoff creates a retrier driven by a custom backoff.
func NewRetrierWithBackoff(b *Backoff) *Retrier {
	return &Retrier{backoff: b}
}

// ConnectionLost arms the retrier after a session drop. The first
// attempt becomes due one backoff delay after now. Calling it while
// already armed is a no-op; the pending schedule stands.
func (r *Retrier) ConnectionLost(now time.Time) {
	if r.armed {
		return
	}
	r.armed = true
	r.next = now.Add(r.backoff.Next())
}

// Due reports whether a reconnect attempt should be made.
func (r *Retrier) Due(now time.Time) bool {
	return r.armed && !now.Before(r.next)
}

// Wait returns the time remaining until the next attempt is due, or
// zero when an attempt is due already or the retrier is disarmed. Poll
// loops can use it to size their idle sleep.
func (r *Retrier) Wait(now time.Time) time.Duration {
	if !r.armed {
		return 0
	}
	if d := r.next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Failure records a failed attempt and schedules the next one with an
// increased delay. It also arms the retrier if a direct connect failed
// before ConnectionLost was ever reported.
func (r *Retrier) Failure(now time.Time) {
	r.armed = true
	r.next = now.Add(r.backoff.Next())
}

// Success disarms the retrier and resets the backoff to its initial
// delay.
func (r *Retrier) Success() {
	r.armed = false
	r.backoff.Reset()
}

// Armed reports whether a reconnect is pending.
func (r *Retrier) Armed() bool {
	return r.armed
}

// Attempts returns the number of delays scheduled since the last
// success.
func (r *Retrier) Attempts() int {
	return r.backoff.Attempts()
}
