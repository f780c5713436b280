package pppoe

import (
	"time"

	"github.com/benbjohnson/clock"
)

// retryState tracks the retransmission backoff of a session.
type retryState struct {
	attempts uint
	delay    time.Duration
}

// backoff is the exponential retry policy: delays start at base and
// double on each retransmission up to limit.
type backoff struct {
	base, limit time.Duration
}

func (b backoff) reset(rs *retryState) {
	rs.attempts = 0
	rs.delay = b.base
}

// advance records a retransmission and returns the delay to arm next.
func (b backoff) advance(rs *retryState) time.Duration {
	rs.attempts++
	rs.delay *= 2
	if rs.delay > b.limit || rs.delay <= 0 {
		rs.delay = b.limit
	}
	return rs.delay
}

func (b backoff) atLimit(rs *retryState) bool {
	return rs.delay >= b.limit
}

// timerEvent is queued to the engine when a session timer expires.
type timerEvent struct {
	key sessionKey
	gen uint64
}

type armedTimer struct {
	timer *clock.Timer
	gen   uint64
}

// retryScheduler owns at most one single-shot timer per session.
//
// It refers to sessions by key only.  Expiries are handed to fire, which
// queues them for the engine loop; an expiry is honoured only if the
// timer it came from is still the armed one, so a timer which raced with
// cancel or re-arm is ignored.
//
// retryScheduler is not safe for concurrent use: all methods other than
// the fire callback run on the engine goroutine.
type retryScheduler struct {
	clock  clock.Clock
	fire   func(ev timerEvent)
	timers map[sessionKey]armedTimer
	gen    uint64
}

func newRetryScheduler(clk clock.Clock, fire func(ev timerEvent)) *retryScheduler {
	return &retryScheduler{
		clock:  clk,
		fire:   fire,
		timers: make(map[sessionKey]armedTimer),
	}
}

// arm (re)starts the timer for a session.  Any previously armed timer
// for the session is cancelled.
func (s *retryScheduler) arm(key sessionKey, delay time.Duration) {
	s.cancel(key)
	s.gen++
	ev := timerEvent{key: key, gen: s.gen}
	s.timers[key] = armedTimer{
		timer: s.clock.AfterFunc(delay, func() { s.fire(ev) }),
		gen:   ev.gen,
	}
}

func (s *retryScheduler) cancel(key sessionKey) {
	if at, ok := s.timers[key]; ok {
		at.timer.Stop()
		delete(s.timers, key)
	}
}

// expire consumes a queued expiry.  It returns false if the expiry is
// stale.
func (s *retryScheduler) expire(ev timerEvent) bool {
	at, ok := s.timers[ev.key]
	if !ok || at.gen != ev.gen {
		return false
	}
	delete(s.timers, ev.key)
	return true
}

func (s *retryScheduler) armed(key sessionKey) bool {
	_, ok := s.timers[key]
	return ok
}

func (s *retryScheduler) stopAll() {
	for key := range s.timers {
		s.cancel(key)
	}
}
