package store

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// RunFilter controls which history rows ListRuns returns.
type RunFilter struct {
	// Account restricts results to one account key. Empty means all.
	Account string

	// Status restricts results to model.RunStatusOK or RunStatusFailed.
	Status string

	// Limit caps the number of rows, newest first. Zero means 50.
	Limit int
}

// Store persists the sync run history.
type Store interface {
	RecordRun(ctx context.Context, run model.SyncRun) (model.SyncRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error)
	LastSuccess(ctx context.Context, account string) (*model.SyncRun, error)
	Close() error
}
