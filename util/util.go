// Package util holds small helpers shared by the command line tools.
package util

import "time"

// SkipThrottler allows an event at most once every d, dropping the ones in between.
type SkipThrottler struct {
	d    time.Duration
	last time.Time
	now  func() time.Time
}

func NewSkipThrottler(d time.Duration) *SkipThrottler {
	return &SkipThrottler{d: d, now: time.Now}
}

// Ok reports whether an event may happen now, and if so records it.
// The first call is always allowed.
func (tt *SkipThrottler) Ok() bool {
	now := tt.now()
	if !tt.last.IsZero() && now.Before(tt.last.Add(tt.d)) {
		return false
	}
	tt.last = now
	return true
}
