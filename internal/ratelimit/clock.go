package ratelimit

import "time"

// Clock abstracts time.Now so refill and window math can be tested
// deterministically. All time-based transitions are computed lazily from
// stored timestamps; there are no timers in this package.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
