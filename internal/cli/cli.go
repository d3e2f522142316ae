// Package cli implements the mailsync command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
)

var (
	errNoAccounts = errors.New(
		"no email accounts configured: add accounts to the config file or set " +
			"GMAIL_USERNAME/GMAIL_PASSWORD and/or OUTLOOK_USERNAME/OUTLOOK_PASSWORD",
	)
	errAllFailed = errors.New("every account failed")
)

// NewRootCommand builds the mailsync command tree. Running the root
// command performs a sync and prints the digest.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mailsync",
		Short: "Fetch new mail from IMAP accounts and summarize it",
		Long: `mailsync pulls mail received since the last successful run from every
configured IMAP account (INBOX plus spam/junk folders), then prints a
Markdown digest with a short summary of each message.

Examples:
  mailsync                      # new mail since the last run
  mailsync --24h -o digest.md   # the last 24 hours, written to a file
  mailsync --gmail-only --no-spam
  mailsync history --limit 10   # recent runs
  mailsync credential set work  # store the IMAP password for "work"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(
		&configPath, "config", model.DefaultConfigPath(), "path to the config file",
	)

	configFn := func() (*model.AppConfig, error) {
		return loadConfig(configPath)
	}

	addSyncFlags(root, configFn)
	root.AddCommand(newHistoryCommand(configFn))
	root.AddCommand(newCheckpointsCommand(configFn))
	root.AddCommand(newCredentialCommand(configFn))

	return root
}

// Execute runs the command line and exits with status 1 on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*model.AppConfig, error) {
	model.LoadEnvFiles()

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
