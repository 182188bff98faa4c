// Package tz resolves IANA zone names using the tz database embedded in
// the binary, so the clock works on hosts without /usr/share/zoneinfo.
package tz

import (
	"log/slog"
	"sync"
	"time"
	_ "time/tzdata"
)

var (
	mu    sync.Mutex
	cache = map[string]*time.Location{}
)

// Resolve returns the location for name, falling back to UTC for empty or
// unknown names.
func Resolve(name string) *time.Location {
	if name == "" {
		return time.UTC
	}

	mu.Lock()
	defer mu.Unlock()
	if loc, ok := cache[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("unknown time zone, using UTC", "zone", name, "err", err)
		loc = time.UTC
	}
	cache[name] = loc
	return loc
}

// Valid reports whether name is a known zone.
func Valid(name string) bool {
	if name == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
