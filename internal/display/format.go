// Package display turns the current time and countdown target into the
// text shown on the LED matrix and pushes it to a matrix driver.
package display

import (
	"fmt"
	"strings"
	"time"
)

// Countdown scale boundaries in seconds.
const (
	DayScaleFrom  = 1_296_000  // 15 days
	YearScaleFrom = 31_557_600 // 365.25 days
	secondsPerDay = 86_400
)

// Format renders the display string. With target 0 it shows the wall time
// in now's location; otherwise it shows the magnitude of the gap between
// target and now. colonVisible drives the blink of the countdown
// separators; the clock colon never blinks.
func Format(now time.Time, target int64, colonVisible, twelveHour bool) string {
	if target == 0 {
		return spaced(clockText(now, twelveHour))
	}

	delta := target - now.Unix()
	if delta < 0 {
		delta = -delta
	}
	return spaced(countdownText(delta, colonVisible))
}

func clockText(now time.Time, twelveHour bool) string {
	h := now.Hour()
	if twelveHour {
		h %= 12
		if h == 0 {
			h = 12
		}
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, now.Minute(), now.Second())
}

func countdownText(delta int64, colonVisible bool) string {
	var s string
	switch {
	case delta < DayScaleFrom:
		s = fmt.Sprintf("%d:%02d:%02d", delta/3600, delta%3600/60, delta%60)
	case delta < YearScaleFrom:
		s = fmt.Sprintf("%d+%02d:%02d", delta/secondsPerDay, delta%secondsPerDay/3600, delta%3600/60)
	default:
		s = fmt.Sprintf("%d+%d", delta/YearScaleFrom, delta%YearScaleFrom/secondsPerDay)
	}
	if !colonVisible {
		s = blankSeparators.Replace(s)
	}
	return s
}

var blankSeparators = strings.NewReplacer(":", " ", "+", "^")

// spaced puts a space after every character except the last.
func spaced(s string) string {
	if len(s) < 2 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i, r := range s {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
