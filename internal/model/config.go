package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Provider hosts used when an account names a provider but no host.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

var providerHosts = map[string]string{
	ProviderGmail:   "imap.gmail.com",
	ProviderOutlook: "outlook.office365.com",
}

// AccountConfig holds the connection settings for one mailbox account.
type AccountConfig struct {
	// Key identifies the account in checkpoints, logs and history.
	Key string `mapstructure:"key" yaml:"key"`

	// Provider selects provider-specific defaults ("gmail", "outlook").
	Provider string `mapstructure:"provider" yaml:"provider"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`

	// UseTLS selects implicit TLS; false means STARTTLS. Plain-text
	// connections are never made.
	UseTLS bool `mapstructure:"use_tls" yaml:"use_tls"`

	// Enabled controls whether the account takes part in runs.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// SecondaryFolders overrides the provider's spam/junk folder names.
	SecondaryFolders []string `mapstructure:"secondary_folders" yaml:"secondary_folders"`
}

// Addr returns host:port.
func (a AccountConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// SyncConfig holds run-wide sync settings.
type SyncConfig struct {
	MaxParallelAccounts     int           `mapstructure:"max_parallel_accounts" yaml:"max_parallel_accounts"`
	DialTimeout             time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CommandTimeout          time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	AccountTimeout          time.Duration `mapstructure:"account_timeout" yaml:"account_timeout"`
	IncludeSecondaryFolders bool          `mapstructure:"include_secondary_folders" yaml:"include_secondary_folders"`
}

// AIConfig holds settings for the summarization backend.
type AIConfig struct {
	OllamaURL string        `mapstructure:"ollama_url" yaml:"ollama_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// ImportantDomains marks mail from these sender domains as important
	// in the digest.
	ImportantDomains []string `mapstructure:"important_domains" yaml:"important_domains"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// HistoryConfig locates the run-history database. Empty disables it.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// MetricsConfig locates the Prometheus textfile. Empty disables it.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// AppConfig is the top-level application configuration. It is built once
// at process start and passed to the components that need it.
type AppConfig struct {
	StateDir string          `mapstructure:"state_dir" yaml:"state_dir"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	AI       AIConfig        `mapstructure:"ai" yaml:"ai"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	History  HistoryConfig   `mapstructure:"history" yaml:"history"`
	Metrics  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// EnabledAccounts returns the accounts that take part in runs.
func (c *AppConfig) EnabledAccounts() []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Account returns the account with the given key.
func (c *AppConfig) Account(key string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Key == key {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Validate checks that every account can be connected to.
func (c *AppConfig) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		switch {
		case a.Key == "":
			errs = append(errs, fmt.Errorf("accounts[%d]: key is required", i))
		case seen[a.Key]:
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate key %q", i, a.Key))
		}
		seen[a.Key] = true
		if a.Host == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: host is required", i))
		}
		if a.Username == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: username is required", i))
		}
		if a.Port <= 0 || a.Port > 65535 {
			errs = append(errs, fmt.Errorf("accounts[%d]: invalid port %d", i, a.Port))
		}
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	return errors.Join(errs...)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultStateDir returns ~/.email-summarizer, where earlier versions of
// the tool kept their state file.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".email-summarizer"
	}
	return filepath.Join(home, ".email-summarizer")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		StateDir: DefaultStateDir(),
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			MaxParallelAccounts:     2,
			DialTimeout:             15 * time.Second,
			CommandTimeout:          2 * time.Minute,
			AccountTimeout:          10 * time.Minute,
			IncludeSecondaryFolders: true,
		},
		AI: AIConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "llama3.1:8b",
			MaxTokens: 200,
			Timeout:   60 * time.Second,

			ImportantDomains: []string{},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// LoadEnvFiles loads ~/.email-summarizer/config.env and ./.env into the
// process environment. Existing variables win.
func LoadEnvFiles() {
	_ = godotenv.Load(filepath.Join(DefaultStateDir(), "config.env"))
	_ = godotenv.Load(".env")
}

// LoadConfig reads configuration from the given YAML file path using
// Viper, applies MAILSYNC_* environment overrides and merges accounts
// declared through the GMAIL_* / OUTLOOK_* variables. A missing file
// yields the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(
	path string, lookupEnv func(string) (string, bool),
) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("sync.max_parallel_accounts", def.Sync.MaxParallelAccounts)
	v.SetDefault("sync.dial_timeout", def.Sync.DialTimeout)
	v.SetDefault("sync.command_timeout", def.Sync.CommandTimeout)
	v.SetDefault("sync.account_timeout", def.Sync.AccountTimeout)
	v.SetDefault("sync.include_secondary_folders", def.Sync.IncludeSecondaryFolders)
	v.SetDefault("ai.ollama_url", def.AI.OllamaURL)
	v.SetDefault("ai.model", def.AI.Model)
	v.SetDefault("ai.max_tokens", def.AI.MaxTokens)
	v.SetDefault("ai.timeout", def.AI.Timeout)
	v.SetDefault("ai.important_domains", def.AI.ImportantDomains)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", def.Log.MaxSize)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age", def.Log.MaxAge)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.db_path", "")
	v.SetDefault("metrics.textfile", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		// Viper unmarshals missing bools as false; treat unset as true.
		if !v.IsSet(fmt.Sprintf("accounts.%d.enabled", i)) {
			a.Enabled = true
		}
		if !v.IsSet(fmt.Sprintf("accounts.%d.use_tls", i)) {
			a.UseTLS = true
		}
		applyAccountDefaults(a)
	}

	if dir, ok := lookupEnv("EMAIL_SUMMARIZER_STATE_DIR"); ok && strings.TrimSpace(dir) != "" {
		cfg.StateDir = strings.TrimSpace(dir)
	}
	if model, ok := lookupEnv("OLLAMA_MODEL"); ok && strings.TrimSpace(model) != "" {
		cfg.AI.Model = strings.TrimSpace(model)
	}
	mergeEnvAccounts(cfg, lookupEnv)

	return cfg, nil
}

// mergeEnvAccounts adds the gmail and outlook accounts described by the
// GMAIL_USERNAME/GMAIL_PASSWORD and OUTLOOK_USERNAME/OUTLOOK_PASSWORD
// variables, unless an account with the same key is already configured.
func mergeEnvAccounts(
	cfg *AppConfig, lookupEnv func(string) (string, bool),
) {
	for _, provider := range []string{ProviderGmail, ProviderOutlook} {
		prefix := strings.ToUpper(provider)
		user, _ := lookupEnv(prefix + "_USERNAME")
		pass, _ := lookupEnv(prefix + "_PASSWORD")
		user, pass = strings.TrimSpace(user), strings.TrimSpace(pass)
		if user == "" || pass == "" {
			continue
		}
		if _, exists := cfg.Account(provider); exists {
			continue
		}

		a := AccountConfig{
			Key:      provider,
			Provider: provider,
			Username: user,
			Password: pass,
			UseTLS:   true,
			Enabled:  true,
		}
		applyAccountDefaults(&a)
		cfg.Accounts = append(cfg.Accounts, a)
	}
}

func applyAccountDefaults(a *AccountConfig) {
	a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
	if a.Host == "" {
		a.Host = providerHosts[a.Provider]
	}
	if a.Port == 0 {
		a.Port = 993
	}
	if a.Key == "" {
		switch {
		case a.Provider != "":
			a.Key = a.Provider
		default:
			a.Key = a.Username
		}
	}
}
