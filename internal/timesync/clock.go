package timesync

import (
	"sync/atomic"
	"time"
)

// Clock is the wall clock the display reads. Set may be called from the
// NTP goroutine while the loop reads Now.
type Clock interface {
	Now() time.Time
	Set(t time.Time)
}

// SystemClock is a wall clock kept as an offset from the host clock, so
// setting it never touches the host's own time.
type SystemClock struct {
	offset atomic.Int64
}

// NewSystemClock returns a clock that starts at host time.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns host time shifted by the current offset.
func (c *SystemClock) Now() time.Time {
	return time.Now().Round(0).Add(time.Duration(c.offset.Load())).UTC()
}

// Set moves the clock so Now returns t.
func (c *SystemClock) Set(t time.Time) {
	c.offset.Store(int64(t.Sub(time.Now().Round(0))))
}

// Offset returns the current shift from host time.
func (c *SystemClock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}
