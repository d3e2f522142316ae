package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/ai"
	"github.com/nhle/mailsync/internal/checkpoint"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logger"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/store"
	msync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

const lookbackWindow = 24 * time.Hour

type syncFlags struct {
	window24h   bool
	gmailOnly   bool
	outlookOnly bool
	noSpam      bool
	noSummary   bool
	output      string
}

func addSyncFlags(cmd *cobra.Command, configFn func() (*model.AppConfig, error)) {
	var f syncFlags

	flags := cmd.Flags()
	flags.BoolVar(&f.window24h, "24h", false, "fetch the last 24 hours instead of resuming from the last run")
	flags.BoolVar(&f.gmailOnly, "gmail-only", false, "only process Gmail accounts")
	flags.BoolVar(&f.outlookOnly, "outlook-only", false, "only process Outlook accounts")
	flags.BoolVar(&f.noSpam, "no-spam", false, "exclude spam/junk folders")
	flags.BoolVar(&f.noSummary, "no-summary", false, "list emails without calling the summarization model")
	flags.StringVarP(&f.output, "output", "o", "", "write the digest to a file instead of stdout")
	cmd.MarkFlagsMutuallyExclusive("gmail-only", "outlook-only")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := configFn()
		if err != nil {
			return err
		}
		return runSync(cmd, cfg, f)
	}
}

func runSync(cmd *cobra.Command, cfg *model.AppConfig, f syncFlags) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	accounts := selectAccounts(cfg.EnabledAccounts(), f.gmailOnly, f.outlookOnly)
	if len(accounts) == 0 {
		return errNoAccounts
	}
	accounts = resolvePasswords(accounts, openCredentials, log)

	checkpoints, err := checkpoint.Open(cfg.StateDir, log)
	if err != nil {
		return err
	}

	dialer := email.NewIMAPDialer(cfg.Sync.DialTimeout, cfg.Sync.CommandTimeout)
	syncer := email.NewSyncer(dialer, cfg.Sync.AccountTimeout, log)
	runner := msync.New(syncer, checkpoints, cfg.Sync.MaxParallelAccounts, log)

	if cfg.History.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.DBPath), 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
		history, err := store.NewSQLiteStore(cfg.History.DBPath)
		if err != nil {
			return err
		}
		defer history.Close()
		runner.SetHistory(history)
	}

	m := metrics.New()
	runner.SetMetrics(m)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := msync.Options{
		IncludeSecondary: cfg.Sync.IncludeSecondaryFolders && !f.noSpam,
	}
	if f.window24h {
		opts.Window = lookbackWindow
	}

	stderr := cmd.ErrOrStderr()
	fmt.Fprintln(stderr, theme.HeaderStyle.Render(
		fmt.Sprintf("Fetching emails from %d account(s)", len(accounts)),
	))

	results := runner.Run(ctx, accounts, opts)

	var emails []model.FetchedEmail
	for _, r := range results {
		fmt.Fprintln(stderr, statusLine(r))
		emails = append(emails, r.Emails...)
	}

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.Warn("writing metrics", zap.Error(err))
		}
	}

	if allFailed(results) {
		return errAllFailed
	}

	var digest string
	if f.noSummary {
		digest = ai.Listing(emails)
	} else {
		if len(emails) > 0 {
			fmt.Fprintln(stderr, theme.StatusBadge(theme.StatusInfo)+" Generating digest...")
		}
		digester := ai.NewDigester(
			ai.NewOllamaClient(cfg.AI, log), cfg.AI.ImportantDomains, log,
		)
		digest = digester.Build(ctx, emails)
	}

	return writeOutput(cmd.OutOrStdout(), stderr, f.output, digest)
}

// selectAccounts applies the --gmail-only and --outlook-only filters.
// An account matches a provider by its provider or, failing that, its key.
func selectAccounts(accounts []model.AccountConfig, gmailOnly, outlookOnly bool) []model.AccountConfig {
	want := ""
	switch {
	case gmailOnly:
		want = model.ProviderGmail
	case outlookOnly:
		want = model.ProviderOutlook
	default:
		return accounts
	}

	var out []model.AccountConfig
	for _, a := range accounts {
		provider := a.Provider
		if provider == "" {
			provider = strings.ToLower(a.Key)
		}
		if provider == want {
			out = append(out, a)
		}
	}
	return out
}

func openCredentials() (*credential.Store, error) {
	return credential.Open()
}

// resolvePasswords fills missing passwords from the keyring. The keyring
// is only opened when some account needs it. Accounts that stay without a
// password are kept and will fail authentication on their own.
func resolvePasswords(
	accounts []model.AccountConfig,
	open func() (*credential.Store, error),
	log *zap.Logger,
) []model.AccountConfig {
	var creds *credential.Store
	out := make([]model.AccountConfig, 0, len(accounts))
	for _, a := range accounts {
		if a.Password == "" {
			if creds == nil {
				s, err := open()
				if err != nil {
					log.Warn("opening keyring", zap.Error(err))
					out = append(out, a)
					continue
				}
				creds = s
			}
			resolved, err := creds.ResolvePassword(a)
			if err != nil {
				log.Warn("no password for account", zap.String("account", a.Key), zap.Error(err))
			}
			a = resolved
		}
		out = append(out, a)
	}
	return out
}

func allFailed(results []msync.AccountResult) bool {
	for _, r := range results {
		if !r.Failed() {
			return false
		}
	}
	return len(results) > 0
}

func statusLine(r msync.AccountResult) string {
	account := theme.AccountStyle.Render(r.Account)
	took := theme.HelpStyle.Render(r.Duration.Round(time.Millisecond).String())

	if r.Failed() {
		return fmt.Sprintf("%s %s %s: %v %s",
			theme.StatusBadge(model.RunStatusFailed), account,
			source.FailureKind(r.Err), r.Err, took,
		)
	}

	status := model.RunStatusOK
	var notes []string
	if n := len(r.Report.FoldersSkipped); n > 0 {
		status = theme.StatusWarn
		notes = append(notes, fmt.Sprintf("%d folder(s) skipped", n))
	}
	if r.Report.Skipped > 0 {
		status = theme.StatusWarn
		notes = append(notes, fmt.Sprintf("%d message(s) skipped", r.Report.Skipped))
	}
	if r.CheckpointErr != nil {
		status = theme.StatusWarn
		notes = append(notes, "checkpoint not saved: "+r.CheckpointErr.Error())
	}

	line := fmt.Sprintf("%s %s found %d email(s)", theme.StatusBadge(status), account, len(r.Emails))
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, ", ") + ")"
	}
	return line + " " + took
}

func writeOutput(stdout, stderr io.Writer, path, digest string) error {
	if path == "" {
		_, err := fmt.Fprintln(stdout, digest)
		return err
	}
	if err := os.WriteFile(path, []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing digest: %w", err)
	}
	fmt.Fprintf(stderr, "%s Digest saved to %s\n", theme.StatusBadge(model.RunStatusOK), path)
	return nil
}
