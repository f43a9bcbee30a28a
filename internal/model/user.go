package model

import "time"

// User is an authenticated account with its quota counters. The counters are
// mutated only through the quota package's pure functions, persisted by the
// store under the same lock as job creation.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`

	DailyFileCount     int       `json:"daily_file_count"`
	DailyStorageUsed   int64     `json:"daily_storage_used"`
	SessionStorageUsed int64     `json:"session_storage_used"`
	LastResetDate      time.Time `json:"last_reset_date"`
}
