// Package timer implements the millisecond deadline primitive used
// throughout the TSA engine: a one-shot or repeating "expired-once" timer
// driven by an externally supplied monotonic tick, not by goroutines or
// the runtime clock. See spec section 4.1.
package timer

// maxDuration bounds a single arming to half the 32-bit millisecond
// range so that wrap-around comparisons between two Time values are
// always resolvable with a signed subtraction.
const maxDuration int64 = 1 << 31

// Time is a millisecond tick counter. Callers own its advancement; the
// package never reads a wall clock.
type Time int64

// Before reports whether sf happened strictly before other, using
// signed-difference comparison so wrap-around never produces a false
// answer as long as no single duration exceeds maxDuration.
func (sf Time) Before(other Time) bool {
	return int64(sf-other) < 0
}

// Timer is a single deadline: expiration plus an optional repeat
// interval. The zero value is a stopped timer.
type Timer struct {
	expiration Time
	repeat     int64
	reported   bool
}

// Set arms the timer to fire v milliseconds from now. v == 0 stops the
// timer; per spec 4.1, v must map to at least 1ms past now so that 0
// unambiguously means "stopped" and is never confused with "fires
// immediately".
func (sf *Timer) Set(now Time, v int64) {
	if v <= 0 {
		sf.Stop()
		return
	}
	if v == 0 {
		v = 1
	}
	if v > maxDuration {
		v = maxDuration
	}
	sf.expiration = now + Time(v)
	sf.reported = false
}

// SetRepeating arms the timer like Set and additionally remembers a
// repeat interval that Expired rearms with on every firing.
func (sf *Timer) SetRepeating(now Time, v, repeat int64) {
	sf.Set(now, v)
	sf.repeat = repeat
}

// Stop disarms the timer. Running and Expired both return false until
// the timer is armed again.
func (sf *Timer) Stop() {
	sf.expiration = 0
	sf.repeat = 0
	sf.reported = false
}

// Running reports whether the timer is armed and has not yet been
// reported expired.
func (sf *Timer) Running() bool {
	return sf.expiration != 0 && !sf.reported
}

// Expired returns true exactly once per arming: on the first call made
// at or after the expiration tick. If a repeat interval was set, the
// deadline is advanced by the interval (clamped forward to now if that
// would still be in the past, skipping a tick rather than firing a
// storm of catch-up events).
func (sf *Timer) Expired(now Time) bool {
	if sf.expiration == 0 || sf.reported {
		return false
	}
	if now.Before(sf.expiration) {
		return false
	}
	if sf.repeat > 0 {
		next := sf.expiration + Time(sf.repeat)
		if next.Before(now) || next == now {
			next = now + Time(sf.repeat)
		}
		sf.expiration = next
		return true
	}
	sf.reported = true
	return true
}

// Deadline returns the raw expiration tick, mainly for logging.
func (sf *Timer) Deadline() Time {
	return sf.expiration
}
