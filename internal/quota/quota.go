// Package quota implements per-user upload admission as pure functions over a
// State value. Stores load State under a row lock, apply these functions, and
// persist the result, so reservation is atomic with job creation.
package quota

import (
	"fmt"
	"time"
)

// Reason identifies which limit denied an upload. Checks run in a fixed order
// and the first failure wins.
type Reason string

const (
	ReasonDailyFileCount    Reason = "daily_file_count"
	ReasonDailyStorage      Reason = "daily_storage"
	ReasonSessionStorage    Reason = "session_storage"
	ReasonConcurrentUploads Reason = "concurrent_uploads"
)

// DeniedError is returned when admission fails. No partial reservation has
// happened when it is returned.
type DeniedError struct {
	Reason  Reason
	Message string
}

func (e *DeniedError) Error() string { return e.Message }

// Limits holds the configured ceilings, all byte values already converted
// from the MB-denominated configuration.
type Limits struct {
	DailyFileLimit      int
	DailyStorageBytes   int64
	SessionStorageBytes int64
	ConcurrentUploads   int
}

// State is a user's current usage. ActiveJobs counts jobs in pending or
// processing and is populated by the store at load time.
type State struct {
	DailyFileCount     int
	DailyStorageUsed   int64
	SessionStorageUsed int64
	LastResetDate      time.Time
	ActiveJobs         int
}

// DateOnly truncates t to its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResetIfNewDay zeroes the daily counters the first time the state is touched
// after a UTC midnight. Session storage is untouched. Returns the possibly
// updated state and whether a reset happened.
func ResetIfNewDay(s State, now time.Time) (State, bool) {
	today := DateOnly(now)
	if !DateOnly(s.LastResetDate).Before(today) {
		return s, false
	}
	s.DailyFileCount = 0
	s.DailyStorageUsed = 0
	s.LastResetDate = today
	return s, true
}

// CheckAndReserve admits or denies an upload of size bytes. On admission the
// returned state carries the reservation: +1 daily file, +size daily and
// session storage. Comparisons are strict, so a file that exactly fills the
// remaining quota is admitted. Daily counters are charged on the input size
// at admission regardless of the job's eventual outcome.
func CheckAndReserve(s State, size int64, limits Limits, now time.Time) (State, *DeniedError) {
	s, _ = ResetIfNewDay(s, now)

	if s.DailyFileCount+1 > limits.DailyFileLimit {
		return s, &DeniedError{
			Reason:  ReasonDailyFileCount,
			Message: fmt.Sprintf("daily file limit of %d files exceeded", limits.DailyFileLimit),
		}
	}
	if s.DailyStorageUsed+size > limits.DailyStorageBytes {
		return s, &DeniedError{
			Reason:  ReasonDailyStorage,
			Message: fmt.Sprintf("daily storage limit of %dMB exceeded", limits.DailyStorageBytes>>20),
		}
	}
	if s.SessionStorageUsed+size > limits.SessionStorageBytes {
		return s, &DeniedError{
			Reason:  ReasonSessionStorage,
			Message: fmt.Sprintf("session storage limit of %dMB exceeded", limits.SessionStorageBytes>>20),
		}
	}
	if s.ActiveJobs >= limits.ConcurrentUploads {
		return s, &DeniedError{
			Reason:  ReasonConcurrentUploads,
			Message: fmt.Sprintf("concurrent upload limit of %d reached", limits.ConcurrentUploads),
		}
	}

	s.DailyFileCount++
	s.DailyStorageUsed += size
	s.SessionStorageUsed += size
	return s, nil
}

// ReleaseSession returns size bytes of session storage, floored at zero so a
// double release from concurrent expiry sweeps never drives the counter
// negative. Daily counters are never decremented.
func ReleaseSession(s State, size int64) State {
	s.SessionStorageUsed -= size
	if s.SessionStorageUsed < 0 {
		s.SessionStorageUsed = 0
	}
	return s
}

// ClearSession zeroes session storage outright.
func ClearSession(s State) State {
	s.SessionStorageUsed = 0
	return s
}
