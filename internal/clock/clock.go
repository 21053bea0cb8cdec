package clock

import "time"

// Clock abstracts the time operations used by pollers so tests can drive
// schedules deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If d <= 0 the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time
	// NewTimer returns a stoppable one-shot timer.
	NewTimer(d time.Duration) *Timer
}

// Timer is a stoppable one-shot timer. Read the fire time from C.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false when the timer has
// already fired or been stopped. Stop does not drain C.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{C: timer.C, stopFunc: timer.Stop}
}
