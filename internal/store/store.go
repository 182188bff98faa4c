// Package store journals runtime state that is not user configuration:
// the device identity, whether the RTC has been set, and sync history.
package store

import (
	"errors"

	"github.com/gofrs/uuid"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// DeviceID returns the persistent device identity, creating it on first use.
	DeviceID() (uuid.UUID, error)

	GetClockState() (*ClockState, error)

	// UpdateClockState reads, modifies and saves the clock state in one
	// transaction. A missing state starts from the zero value.
	UpdateClockState(fn func(st *ClockState) error) error

	// AppendSync records a sync outcome, dropping the oldest entries beyond
	// the history cap.
	AppendSync(rec SyncRecord) error

	// ListSyncs returns up to limit records, newest first. limit <= 0 means all.
	ListSyncs(limit int) ([]SyncRecord, error)

	Close() error
}
