// Package sync runs account fetches concurrently and advances the
// per-account checkpoints of those that succeed.
package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
)

// defaultParallel is used when the configured limit is not positive.
const defaultParallel = 2

// Fetcher pulls mail for one account. *email.Syncer implements it.
type Fetcher interface {
	Fetch(
		ctx context.Context,
		account model.AccountConfig,
		since *time.Time,
		window time.Duration,
		includeSecondary bool,
	) ([]model.FetchedEmail, email.Report, error)
}

// Checkpoints stores the last successful run per account.
// *checkpoint.Store implements it.
type Checkpoints interface {
	Get(account string) (time.Time, bool)
	Set(account string, t time.Time) error
}

// History records finished runs. store.Store implements it.
type History interface {
	RecordRun(ctx context.Context, run model.SyncRun) (model.SyncRun, error)
}

// Options apply to every account in a run.
type Options struct {
	// Window, when positive, fetches mail newer than now minus Window
	// instead of resuming from the checkpoint.
	Window time.Duration

	// IncludeSecondary adds the provider's spam/junk folders.
	IncludeSecondary bool
}

// AccountResult is the outcome of one account within a run.
type AccountResult struct {
	Account  string
	Emails   []model.FetchedEmail
	Report   email.Report
	Started  time.Time
	Duration time.Duration

	// Err is the fatal error that ended the account, if any. Emails is
	// empty when Err is set.
	Err error

	// CheckpointErr is set when the fetch succeeded but the checkpoint
	// could not be saved; the next run will fetch the same mail again.
	CheckpointErr error
}

// Failed reports whether the account ended with a fatal error.
func (r AccountResult) Failed() bool {
	return r.Err != nil
}

// Runner syncs a set of accounts on a bounded pool.
type Runner struct {
	fetcher     Fetcher
	checkpoints Checkpoints
	history     History
	metrics     *metrics.Metrics
	parallel    int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Runner that syncs at most parallel accounts at once.
func New(fetcher Fetcher, checkpoints Checkpoints, parallel int, logger *zap.Logger) *Runner {
	if parallel <= 0 {
		parallel = defaultParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		fetcher:     fetcher,
		checkpoints: checkpoints,
		parallel:    parallel,
		logger:      logger,
		now:         time.Now,
	}
}

// SetHistory enables the run-history ledger.
func (r *Runner) SetHistory(h History) {
	r.history = h
}

// SetMetrics enables metric collection.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Run syncs every account and returns one result per account, in the
// order given. A failing account never affects the others.
func (r *Runner) Run(ctx context.Context, accounts []model.AccountConfig, opts Options) []AccountResult {
	results := make([]AccountResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for i, account := range accounts {
		g.Go(func() error {
			results[i] = r.syncAccount(ctx, account, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) syncAccount(ctx context.Context, account model.AccountConfig, opts Options) AccountResult {
	log := r.logger.With(zap.String("account", account.Key))
	res := AccountResult{Account: account.Key, Started: r.now()}

	var since *time.Time
	if t, ok := r.checkpoints.Get(account.Key); ok {
		since = &t
	}

	emails, report, err := r.fetcher.Fetch(ctx, account, since, opts.Window, opts.IncludeSecondary)
	res.Duration = r.now().Sub(res.Started)
	res.Report = report

	// A cancelled run never advances the checkpoint.
	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		res.Err = err
		kind := source.FailureKind(err)
		if errors.Is(err, context.Canceled) {
			kind = "cancelled"
		}
		log.Error("account sync failed", zap.String("kind", kind), zap.Error(err))
		if r.metrics != nil {
			r.metrics.ObserveFailure(account.Key, kind, res.Duration)
		}
		r.record(log, res)
		return res
	}

	res.Emails = emails
	if err := r.checkpoints.Set(account.Key, res.Started); err != nil {
		res.CheckpointErr = err
		log.Error("saving checkpoint", zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.ObserveSuccess(
			account.Key, res.Started, res.Duration,
			report.Fetched, report.Skipped, len(report.FoldersSkipped),
		)
	}
	r.record(log, res)
	return res
}

// record writes the history row. Failures are logged only.
func (r *Runner) record(log *zap.Logger, res AccountResult) {
	if r.history == nil {
		return
	}

	run := model.SyncRun{
		Account:        res.Account,
		StartedAt:      res.Started,
		FinishedAt:     res.Started.Add(res.Duration),
		Status:         model.RunStatusOK,
		Fetched:        res.Report.Fetched,
		Skipped:        res.Report.Skipped,
		FoldersSkipped: len(res.Report.FoldersSkipped),
	}
	if res.Err != nil {
		run.Status = model.RunStatusFailed
		run.Error = res.Err.Error()
	}

	// Recorded even when the run was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.history.RecordRun(ctx, run); err != nil {
		log.Warn("recording run history", zap.Error(err))
	}
}
