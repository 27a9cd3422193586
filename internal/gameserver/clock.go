package gameserver

import "time"

// Clock is the time source of the tick loop. Tests substitute a manual clock
// to simulate slow maintenance without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d. It is never interrupted.
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
