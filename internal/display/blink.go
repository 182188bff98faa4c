package display

import "time"

// BlinkInterval is the separator toggle period.
const BlinkInterval = 800 * time.Millisecond

// Blinker toggles separator visibility on a fixed period. It starts visible.
type Blinker struct {
	interval time.Duration
	last     time.Time
	hidden   bool
}

// NewBlinker creates a blinker with the given period.
func NewBlinker(interval time.Duration) *Blinker {
	return &Blinker{interval: interval}
}

// Tick advances the blinker and returns the current visibility.
func (b *Blinker) Tick(now time.Time) bool {
	if b.last.IsZero() {
		b.last = now
	}
	if now.Sub(b.last) > b.interval {
		b.hidden = !b.hidden
		b.last = now
	}
	return !b.hidden
}

// Visible returns the visibility without advancing.
func (b *Blinker) Visible() bool {
	return !b.hidden
}
