package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

func newCredentialCommand(configFn func() (*model.AppConfig, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage IMAP passwords stored in the system keyring",
	}
	cmd.AddCommand(newCredentialSetCommand(configFn, openCredentials))
	cmd.AddCommand(newCredentialDeleteCommand(configFn, openCredentials))
	return cmd
}

func newCredentialSetCommand(
	configFn func() (*model.AppConfig, error),
	open func() (*credential.Store, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   "set <account>",
		Short: "Store the password for an account, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := knownAccount(configFn, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", key)
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("empty password")
			}

			creds, err := open()
			if err != nil {
				return err
			}
			if err := creds.Set(credential.AccountKey(key), password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Stored password for %s\n", key)
			return nil
		},
	}
}

func newCredentialDeleteCommand(
	configFn func() (*model.AppConfig, error),
	open func() (*credential.Store, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Remove the stored password for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := open()
			if err != nil {
				return err
			}
			return creds.Delete(credential.AccountKey(args[0]))
		},
	}
}

// knownAccount checks that key names a configured account.
func knownAccount(configFn func() (*model.AppConfig, error), key string) (string, error) {
	cfg, err := configFn()
	if err != nil {
		return "", err
	}
	if _, ok := cfg.Account(key); !ok {
		return "", fmt.Errorf("unknown account %q", key)
	}
	return key, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
