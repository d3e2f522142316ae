package email

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// InboxFolder is searched for every account.
const InboxFolder = "INBOX"

var (
	providerSecondaryFolders = map[string][]string{
		"gmail":   {"[Gmail]/Spam"},
		"outlook": {"Junk", "Junk Email"},
	}
	defaultSecondaryFolders = []string{"[Gmail]/Spam", "Junk", "Spam"}
)

// Folders returns the folders to search for an account, in search
// order. INBOX always comes first.
func Folders(account model.AccountConfig, includeSecondary bool) []string {
	folders := []string{InboxFolder}
	if !includeSecondary {
		return folders
	}

	secondary := account.SecondaryFolders
	if len(secondary) == 0 {
		secondary = providerSecondaryFolders[strings.ToLower(account.Provider)]
	}
	if len(secondary) == 0 {
		secondary = defaultSecondaryFolders
	}

	for _, f := range secondary {
		f = strings.TrimSpace(f)
		if f == "" || slices.Contains(folders, f) {
			continue
		}
		folders = append(folders, f)
	}
	return folders
}

// FolderSkip records a folder that could not be searched or fetched.
type FolderSkip struct {
	Folder string
	Reason string
}

// Report summarizes one account fetch.
type Report struct {
	Account string

	// Since is the day passed to SEARCH SINCE; zero means ALL.
	Since time.Time

	FoldersSearched []string
	FoldersSkipped  []FolderSkip

	// Fetched counts decomposed messages; Skipped counts messages that
	// were found but could not be fetched or decoded.
	Fetched int
	Skipped int
}

// Syncer pulls new mail for one account at a time.
type Syncer struct {
	dialer         Dialer
	accountTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewSyncer creates a syncer. accountTimeout bounds a whole Fetch call;
// zero disables it.
func NewSyncer(dialer Dialer, accountTimeout time.Duration, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		dialer:         dialer,
		accountTimeout: accountTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Fetch returns the messages received since the lower bound. A positive
// window sets the bound to now minus window and ignores since; otherwise
// since is used when non-nil, else all mail in the folders is fetched.
//
// The returned error is non-nil only for failures that end the account:
// *source.AuthError, source.ErrConnection or source.ErrTimeout. Folders
// and messages that fail on their own are skipped and counted in the
// Report.
func (s *Syncer) Fetch(
	ctx context.Context,
	account model.AccountConfig,
	since *time.Time,
	window time.Duration,
	includeSecondary bool,
) ([]model.FetchedEmail, Report, error) {
	report := Report{
		Account: account.Key,
		Since:   searchDay(lowerBound(s.now(), since, window)),
	}
	log := s.logger.With(zap.String("account", account.Key))

	if s.accountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.accountTimeout)
		defer cancel()
	}

	session, err := s.dialer.Dial(ctx, account)
	if err != nil {
		return nil, report, fmt.Errorf("syncing %s: %w", account.Key, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("closing session", zap.Error(err))
		}
	}()

	var found []folderUIDs
	for _, folder := range Folders(account, includeSecondary) {
		res := searchFolder(ctx, session, folder, report.Since)
		switch res.Status {
		case source.StatusFatal:
			return nil, report, fmt.Errorf("syncing %s: %w", account.Key, res.Err)
		case source.StatusSkipped:
			log.Info("skipping folder",
				zap.String("folder", folder),
				zap.String("reason", res.Reason),
				zap.Error(res.Err),
			)
			report.FoldersSkipped = append(report.FoldersSkipped, FolderSkip{folder, res.Reason})
			continue
		}
		report.FoldersSearched = append(report.FoldersSearched, folder)
		found = append(found, folderUIDs{folder: folder, uids: res.Value})
	}

	var emails []model.FetchedEmail
	for _, batch := range planFetch(found) {
		res := s.fetchFolder(ctx, session, account.Key, batch, log)
		if res.Status == source.StatusFatal {
			return nil, report, fmt.Errorf("syncing %s: %w", account.Key, res.Err)
		}
		if res.Status == source.StatusSkipped {
			log.Warn("skipping folder fetch",
				zap.String("folder", batch.folder),
				zap.String("reason", res.Reason),
				zap.Error(res.Err),
			)
			report.FoldersSkipped = append(report.FoldersSkipped, FolderSkip{batch.folder, res.Reason})
			report.Skipped += len(batch.uids)
			continue
		}
		report.Skipped += len(batch.uids) - len(res.Value)
		emails = append(emails, res.Value...)
	}
	report.Fetched = len(emails)

	log.Info("fetched account",
		zap.Time("since", report.Since),
		zap.Strings("folders", report.FoldersSearched),
		zap.Int("fetched", report.Fetched),
		zap.Int("skipped", report.Skipped),
	)
	return emails, report, nil
}

// searchFolder selects and searches one folder. Server refusals skip the
// folder; transport failures are fatal.
func searchFolder(
	ctx context.Context, session Session, folder string, since time.Time,
) source.Result[[]uint32] {
	if err := session.Select(ctx, folder); err != nil {
		if source.IsFatal(err) {
			return source.Fatal[[]uint32](err)
		}
		return source.Skip[[]uint32]("select failed", err)
	}

	uids, err := session.Search(ctx, since)
	if err != nil {
		if source.IsFatal(err) {
			return source.Fatal[[]uint32](err)
		}
		return source.Skip[[]uint32]("search failed", err)
	}
	return source.OK(uids)
}

// fetchFolder fetches one batch and decomposes each message. Messages
// that fail are logged and left out of the result.
func (s *Syncer) fetchFolder(
	ctx context.Context,
	session Session,
	account string,
	batch fetchBatch,
	log *zap.Logger,
) source.Result[[]model.FetchedEmail] {
	if err := session.Select(ctx, batch.folder); err != nil {
		if source.IsFatal(err) {
			return source.Fatal[[]model.FetchedEmail](err)
		}
		return source.Skip[[]model.FetchedEmail]("select failed", err)
	}

	results, err := session.Fetch(ctx, batch.uids)
	if err != nil {
		if source.IsFatal(err) {
			return source.Fatal[[]model.FetchedEmail](err)
		}
		return source.Skip[[]model.FetchedEmail]("fetch failed", err)
	}

	wanted := make(map[uint32]bool, len(batch.uids))
	for _, uid := range batch.uids {
		wanted[uid] = true
	}

	emails := make([]model.FetchedEmail, 0, len(results))
	for _, r := range results {
		if !r.Ok() {
			log.Warn("skipping message",
				zap.String("folder", batch.folder),
				zap.String("reason", r.Reason),
				zap.Error(r.Err),
			)
			continue
		}
		if !wanted[r.Value.UID] {
			continue
		}
		wanted[r.Value.UID] = false

		email, err := decompose(r.Value.Raw, s.now)
		if err != nil {
			log.Warn("skipping undecodable message",
				zap.String("folder", batch.folder),
				zap.Uint32("uid", r.Value.UID),
				zap.Error(err),
			)
			continue
		}
		email.Account = account
		email.Folder = batch.folder
		email.UID = r.Value.UID
		if email.Subject == "" {
			email.Subject = r.Value.Subject
		}
		emails = append(emails, email)
	}

	slices.SortFunc(emails, func(a, b model.FetchedEmail) int {
		return cmp.Compare(a.UID, b.UID)
	})
	return source.OK(emails)
}

// lowerBound resolves the earliest receive time of interest. The zero
// time means unbounded.
func lowerBound(now time.Time, since *time.Time, window time.Duration) time.Time {
	switch {
	case window > 0:
		return now.Add(-window)
	case since != nil:
		return *since
	default:
		return time.Time{}
	}
}

// searchDay truncates t to its UTC calendar day, the granularity of
// SEARCH SINCE. Messages from the boundary day are fetched again on the
// next run.
func searchDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type folderUIDs struct {
	folder string
	uids   []uint32
}

type fetchBatch struct {
	folder string
	uids   []uint32
}

// planFetch assigns every UID to the first folder, in search order, that
// reported it. Each batch is sorted ascending and free of duplicates;
// folders left with no UIDs get no batch.
func planFetch(found []folderUIDs) []fetchBatch {
	seen := make(map[uint32]bool)
	var batches []fetchBatch
	for _, f := range found {
		uids := slices.Clone(f.uids)
		slices.Sort(uids)
		uids = slices.Compact(uids)

		kept := uids[:0]
		for _, uid := range uids {
			if seen[uid] {
				continue
			}
			seen[uid] = true
			kept = append(kept, uid)
		}
		if len(kept) == 0 {
			continue
		}
		batches = append(batches, fetchBatch{folder: f.folder, uids: kept})
	}
	return batches
}
