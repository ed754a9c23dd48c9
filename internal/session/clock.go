package session

import "time"

// Clock abstracts time for the manager so renewal can be tested without real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired or was stopped.
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// nextFireDelay returns how long to wait from now until scheduledAt.
// A moment that has already passed yields zero: fire immediately.
func nextFireDelay(now, scheduledAt time.Time) time.Duration {
	d := scheduledAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
