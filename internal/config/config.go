// Package config provides configuration management for the specflow tracker bridge.
// It handles loading and parsing YAML configuration files, environment overrides, and
// provides structured access to OAuth, tracker, retry, and batch settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Atlassian OAuth 2.0 (3LO) defaults.
const (
	DefaultAuthorizeURL = "https://auth.atlassian.com/authorize"
	DefaultTokenURL     = "https://auth.atlassian.com/oauth/token"
	DefaultAudience     = "api.atlassian.com"
	DefaultCallbackPort = 8765
	DefaultServerPort   = 8317
)

// DefaultScopes are requested when the configuration does not list any.
var DefaultScopes = []string{"read:jira-work", "write:jira-work", "offline_access"}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the network host/interface on which the API server will bind.
	Host string `yaml:"host" json:"host" env:"HOST"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"port" env:"PORT"`

	// APIKeys guards the /v1 batch routes. Empty leaves them open.
	APIKeys []string `yaml:"api-keys" json:"-" env:"API_KEYS"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug" json:"debug" env:"DEBUG"`
	// LoggingToFile switches log output from stdout to rotating files under the logs directory.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file" env:"LOGGING_TO_FILE"`
	// LogMaxSizeMB caps a single log file before lumberjack rotates it.
	LogMaxSizeMB int `yaml:"log-max-size-mb" json:"log-max-size-mb"`
	// LogMaxBackups is the number of rotated log files kept on disk. Zero keeps all.
	LogMaxBackups int `yaml:"log-max-backups" json:"log-max-backups"`

	// AuthDir is where token material is persisted when TokenStore is "file".
	AuthDir string `yaml:"auth-dir" json:"auth-dir" env:"AUTH_DIR"`
	// TokenStore selects the token persistence backend: "file", "keyring", "memory",
	// "git", "object" or "postgres".
	TokenStore string `yaml:"token-store" json:"token-store" env:"TOKEN_STORE"`

	GitStore      GitStoreConfig      `yaml:"git-store" json:"git-store" envPrefix:"GITSTORE_"`
	ObjectStore   ObjectStoreConfig   `yaml:"object-store" json:"object-store" envPrefix:"OBJECTSTORE_"`
	PostgresStore PostgresStoreConfig `yaml:"postgres-store" json:"postgres-store" envPrefix:"PGSTORE_"`

	Jira  JiraConfig  `yaml:"jira" json:"jira" envPrefix:"JIRA_"`
	Retry RetryConfig `yaml:"retry" json:"retry" envPrefix:"RETRY_"`
	Batch BatchConfig `yaml:"batch" json:"batch" envPrefix:"BATCH_"`
}

// SDKConfig holds settings shared by every outbound HTTP client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url" env:"PROXY_URL"`
}

// JiraConfig carries the OAuth client registration and the tracker site.
type JiraConfig struct {
	// BaseURL is the REST API root, e.g. https://example.atlassian.net or
	// https://api.atlassian.com/ex/jira/<cloud-id> for OAuth apps.
	BaseURL string `yaml:"base-url" json:"base-url" env:"BASE_URL"`
	// SiteURL is the human-facing site root used for browse links. Defaults to BaseURL.
	SiteURL      string   `yaml:"site-url" json:"site-url" env:"SITE_URL"`
	ClientID     string   `yaml:"client-id" json:"client-id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client-secret" json:"-" env:"CLIENT_SECRET"`
	AuthorizeURL string   `yaml:"authorize-url" json:"authorize-url" env:"AUTHORIZE_URL"`
	TokenURL     string   `yaml:"token-url" json:"token-url" env:"TOKEN_URL"`
	RedirectURI  string   `yaml:"redirect-uri" json:"redirect-uri" env:"REDIRECT_URI"`
	// APIRedirectURI overrides the callback URI advertised by the API server. When empty it
	// is derived from the incoming request host.
	APIRedirectURI string `yaml:"api-redirect-uri" json:"api-redirect-uri" env:"API_REDIRECT_URI"`
	Audience     string   `yaml:"audience" json:"audience" env:"AUDIENCE"`
	Scopes       []string `yaml:"scopes" json:"scopes" env:"SCOPES" envSeparator:" "`

	// CallbackPort is the local port used by the interactive CLI login.
	CallbackPort int `yaml:"callback-port" json:"callback-port" env:"CALLBACK_PORT"`
	// SafetyMarginSeconds is how long before expiry a token is treated as expired.
	SafetyMarginSeconds int `yaml:"safety-margin-seconds" json:"safety-margin-seconds"`
	// SessionTTLSeconds bounds how long an authorization state stays redeemable.
	SessionTTLSeconds int `yaml:"session-ttl-seconds" json:"session-ttl-seconds"`
	// RequestTimeoutSeconds bounds every outbound tracker request.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds" env:"REQUEST_TIMEOUT_SECONDS"`
	// FetchIssueDetails reads every created issue back to report its workflow status.
	FetchIssueDetails bool `yaml:"fetch-issue-details" json:"fetch-issue-details" env:"FETCH_ISSUE_DETAILS"`
}

// GitStoreConfig places the token file in a git working tree. With a remote every save
// is committed and force-pushed; without one the repository stays local.
type GitStoreConfig struct {
	// RemoteURL is cloned into LocalPath on first use.
	RemoteURL string `yaml:"remote-url" json:"remote-url" env:"GIT_URL"`
	Username  string `yaml:"username" json:"username" env:"GIT_USERNAME"`
	Password  string `yaml:"password" json:"-" env:"GIT_PASSWORD"`
	// LocalPath is the working tree. Defaults to auth-dir/gitstore.
	LocalPath string `yaml:"local-path" json:"local-path" env:"LOCAL_PATH"`
}

// ObjectStoreConfig points at an S3-compatible bucket holding the token object.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" json:"bucket" env:"BUCKET"`
	AccessKey string `yaml:"access-key" json:"-" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret-key" json:"-" env:"SECRET_KEY"`
	Region    string `yaml:"region" json:"region" env:"REGION"`
	Prefix    string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl" env:"USE_SSL"`
	PathStyle bool   `yaml:"path-style" json:"path-style" env:"PATH_STYLE"`
}

// PostgresStoreConfig names the database table that holds the token row.
type PostgresStoreConfig struct {
	DSN    string `yaml:"dsn" json:"-" env:"DSN"`
	Schema string `yaml:"schema" json:"schema" env:"SCHEMA"`
	Table  string `yaml:"table" json:"table" env:"TABLE"`
}

// RetryConfig tunes the transient-failure backoff of the tracker client.
type RetryConfig struct {
	BaseDelayMS int `yaml:"base-delay-ms" json:"base-delay-ms" env:"BASE_DELAY_MS"`
	MaxDelayMS  int `yaml:"max-delay-ms" json:"max-delay-ms" env:"MAX_DELAY_MS"`
	MaxAttempts int `yaml:"max-attempts" json:"max-attempts" env:"MAX_ATTEMPTS"`
}

// BatchConfig tunes bulk ticket creation.
type BatchConfig struct {
	// Concurrency is the ceiling on in-flight creation calls.
	Concurrency int `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	// DeadlineSeconds is an optional batch-wide deadline. Zero disables it.
	DeadlineSeconds int `yaml:"deadline-seconds" json:"deadline-seconds" env:"DEADLINE_SECONDS"`
	// SkipProjectCheck dispatches without first resolving each target project.
	SkipProjectCheck bool `yaml:"skip-project-check" json:"skip-project-check" env:"SKIP_PROJECT_CHECK"`
}

// SafetyMargin returns the token expiry safety margin.
func (c JiraConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginSeconds) * time.Second
}

// SessionTTL returns the authorization session lifetime.
func (c JiraConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout.
func (c JiraConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// BaseDelay returns the initial backoff delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// Deadline returns the batch-wide deadline, zero when disabled.
func (c BatchConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// LoadConfig reads a YAML configuration file from the given path, applies environment
// overrides and defaults, and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file when optional is
// set, in which case the configuration is built from defaults and the environment alone.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = nil
	}
	if len(data) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err = env.ParseWithOptions(cfg, env.Options{Prefix: "SPECFLOW_"}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML bytes without touching the environment. The watcher uses it
// to diff reloaded files.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultServerPort
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 10
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = "~/.specflow"
	}
	c.TokenStore = strings.ToLower(strings.TrimSpace(c.TokenStore))
	if c.TokenStore == "" {
		c.TokenStore = "file"
	}

	j := &c.Jira
	j.BaseURL = strings.TrimRight(strings.TrimSpace(j.BaseURL), "/")
	j.SiteURL = strings.TrimRight(strings.TrimSpace(j.SiteURL), "/")
	if j.SiteURL == "" {
		j.SiteURL = j.BaseURL
	}
	if j.AuthorizeURL == "" {
		j.AuthorizeURL = DefaultAuthorizeURL
	}
	if j.TokenURL == "" {
		j.TokenURL = DefaultTokenURL
	}
	if j.Audience == "" {
		j.Audience = DefaultAudience
	}
	if len(j.Scopes) == 0 {
		j.Scopes = append([]string(nil), DefaultScopes...)
	}
	if j.CallbackPort <= 0 {
		j.CallbackPort = DefaultCallbackPort
	}
	if j.RedirectURI == "" {
		j.RedirectURI = fmt.Sprintf("http://localhost:%d/callback", j.CallbackPort)
	}
	if j.SafetyMarginSeconds <= 0 {
		j.SafetyMarginSeconds = 60
	}
	if j.SessionTTLSeconds <= 0 {
		j.SessionTTLSeconds = 600
	}
	if j.RequestTimeoutSeconds <= 0 {
		j.RequestTimeoutSeconds = 30
	}

	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = 1000
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = 30000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 5
	}
	if c.Batch.DeadlineSeconds < 0 {
		c.Batch.DeadlineSeconds = 0
	}
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.TokenStore {
	case "file", "keyring", "memory":
	case "git":
		if strings.TrimSpace(c.GitStore.Password) != "" && strings.TrimSpace(c.GitStore.RemoteURL) == "" {
			return fmt.Errorf("config: git-store password set without remote-url")
		}
	case "object":
		o := c.ObjectStore
		if strings.TrimSpace(o.Endpoint) == "" || strings.TrimSpace(o.Bucket) == "" {
			return fmt.Errorf("config: object-store requires endpoint and bucket")
		}
		if strings.TrimSpace(o.AccessKey) == "" || strings.TrimSpace(o.SecretKey) == "" {
			return fmt.Errorf("config: object-store requires access-key and secret-key")
		}
	case "postgres":
		if strings.TrimSpace(c.PostgresStore.DSN) == "" {
			return fmt.Errorf("config: postgres-store requires dsn")
		}
	default:
		return fmt.Errorf("config: unsupported token-store %q", c.TokenStore)
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("config: retry max-delay-ms (%d) is below base-delay-ms (%d)", c.Retry.MaxDelayMS, c.Retry.BaseDelayMS)
	}
	if c.Retry.MaxAttempts > 20 {
		return fmt.Errorf("config: retry max-attempts %d is unreasonably high", c.Retry.MaxAttempts)
	}
	return nil
}

// OAuthConfigured reports whether enough OAuth settings exist to run the authorization flow.
func (c *Config) OAuthConfigured() bool {
	return strings.TrimSpace(c.Jira.ClientID) != "" && strings.TrimSpace(c.Jira.ClientSecret) != ""
}
