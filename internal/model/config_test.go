package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultStateDir(), cfg.StateDir)
	assert.Empty(t, cfg.Accounts)
	assert.Equal(t, 2, cfg.Sync.MaxParallelAccounts)
	assert.Equal(t, 15*time.Second, cfg.Sync.DialTimeout)
	assert.True(t, cfg.Sync.IncludeSecondaryFolders)
	assert.Equal(t, "llama3.1:8b", cfg.AI.Model)
	assert.Equal(t, 200, cfg.AI.MaxTokens)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
state_dir: /tmp/mailsync-state
accounts:
  - provider: Gmail
    username: me@gmail.com
    password: app-pass
  - key: work
    host: mail.work.example
    port: 143
    username: me
    use_tls: false
    enabled: false
    secondary_folders: ["Quarantine"]
sync:
  max_parallel_accounts: 4
  command_timeout: 30s
ai:
  important_domains: ["work.example"]
history:
  db_path: /tmp/runs.db
`)

	cfg, err := loadConfig(path, envFrom(nil))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/mailsync-state", cfg.StateDir)
	require.Len(t, cfg.Accounts, 2)

	gmail := cfg.Accounts[0]
	assert.Equal(t, "gmail", gmail.Key)
	assert.Equal(t, "gmail", gmail.Provider)
	assert.Equal(t, "imap.gmail.com", gmail.Host)
	assert.Equal(t, 993, gmail.Port)
	assert.True(t, gmail.UseTLS)
	assert.True(t, gmail.Enabled)
	assert.Equal(t, "imap.gmail.com:993", gmail.Addr())

	work := cfg.Accounts[1]
	assert.Equal(t, 143, work.Port)
	assert.False(t, work.UseTLS)
	assert.False(t, work.Enabled)
	assert.Equal(t, []string{"Quarantine"}, work.SecondaryFolders)

	assert.Equal(t, 4, cfg.Sync.MaxParallelAccounts)
	assert.Equal(t, 30*time.Second, cfg.Sync.CommandTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sync.AccountTimeout)
	assert.Equal(t, []string{"work.example"}, cfg.AI.ImportantDomains)
	assert.Equal(t, "/tmp/runs.db", cfg.History.DBPath)

	enabled := cfg.EnabledAccounts()
	require.Len(t, enabled, 1)
	assert.Equal(t, "gmail", enabled[0].Key)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := writeConfig(t, "accounts: [unclosed\n")
	_, err := loadConfig(path, envFrom(nil))
	assert.Error(t, err)
}

func TestLoadConfigEnvAccounts(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - key: gmail
    host: imap.gmail.com
    username: file@gmail.com
`)

	cfg, err := loadConfig(path, envFrom(map[string]string{
		"GMAIL_USERNAME":             "env@gmail.com",
		"GMAIL_PASSWORD":             "ignored",
		"OUTLOOK_USERNAME":           " me@outlook.com ",
		"OUTLOOK_PASSWORD":           "pw",
		"OLLAMA_MODEL":               "mistral",
		"EMAIL_SUMMARIZER_STATE_DIR": "/var/lib/mailsync",
	}))
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "file@gmail.com", cfg.Accounts[0].Username)

	outlook := cfg.Accounts[1]
	assert.Equal(t, "outlook", outlook.Key)
	assert.Equal(t, "me@outlook.com", outlook.Username)
	assert.Equal(t, "pw", outlook.Password)
	assert.Equal(t, "outlook.office365.com", outlook.Host)
	assert.Equal(t, 993, outlook.Port)
	assert.True(t, outlook.UseTLS)

	assert.Equal(t, "mistral", cfg.AI.Model)
	assert.Equal(t, "/var/lib/mailsync", cfg.StateDir)
}

func TestLoadConfigEnvAccountNeedsPassword(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml"), envFrom(map[string]string{
		"GMAIL_USERNAME": "me@gmail.com",
	}))
	require.NoError(t, err)
	assert.Empty(t, cfg.Accounts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AppConfig
		wantErr []string
	}{
		{
			name: "valid",
			cfg: AppConfig{StateDir: "/s", Accounts: []AccountConfig{
				{Key: "a", Host: "h", Port: 993, Username: "u"},
			}},
		},
		{
			name: "missing fields",
			cfg: AppConfig{Accounts: []AccountConfig{
				{Port: 0},
			}},
			wantErr: []string{
				"accounts[0]: key is required",
				"accounts[0]: host is required",
				"accounts[0]: username is required",
				"accounts[0]: invalid port 0",
				"state_dir is required",
			},
		},
		{
			name: "duplicate key",
			cfg: AppConfig{StateDir: "/s", Accounts: []AccountConfig{
				{Key: "a", Host: "h", Port: 993, Username: "u"},
				{Key: "a", Host: "h", Port: 993, Username: "u"},
			}},
			wantErr: []string{`accounts[1]: duplicate key "a"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
