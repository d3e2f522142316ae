package model

import "time"

// Run outcome values stored in the history ledger.
const (
	RunStatusOK     = "ok"
	RunStatusFailed = "failed"
)

// SyncRun records the outcome of syncing one account once. It carries
// counts only, never message content.
type SyncRun struct {
	// ID is a random UUID assigned when the run is recorded.
	ID string `json:"id" db:"id"`

	// Account is the configured account key.
	Account string `json:"account" db:"account"`

	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`

	// Status is RunStatusOK or RunStatusFailed.
	Status string `json:"status" db:"status"`

	// Fetched and Skipped count messages; FoldersSkipped counts folders
	// that could not be searched or fetched.
	Fetched        int `json:"fetched" db:"fetched"`
	Skipped        int `json:"skipped" db:"skipped"`
	FoldersSkipped int `json:"folders_skipped" db:"folders_skipped"`

	// Error is the failure message for failed runs.
	Error string `json:"error,omitempty" db:"error"`
}

// Duration returns how long the run took.
func (r SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
