package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// MinTimeRuleInterval is the shortest allowed time-rule evaluation period.
const MinTimeRuleInterval = 15 * time.Minute

// Config holds all application configuration.
type Config struct {
	// Platform API
	SpotifyAPIURL       string        `koanf:"spotify_api_url"`
	SpotifyAccountsURL  string        `koanf:"spotify_accounts_url"`
	SpotifyClientID     string        `koanf:"spotify_client_id"`
	SpotifyClientSecret string        `koanf:"spotify_client_secret"`
	SpotifyRefreshToken string        `koanf:"spotify_refresh_token"`
	SpotifyHTTPTimeout  time.Duration `koanf:"spotify_http_timeout"`
	SpotifyAPIDebug     bool          `koanf:"spotify_api_debug"`
	SpotifyRateLimit    float64       `koanf:"spotify_rate_limit"`
	SpotifyRateBurst    int           `koanf:"spotify_rate_burst"`
	TokenRefreshMinGap  time.Duration `koanf:"token_refresh_min_gap"`

	// Exclusion resource naming
	ExclusionNameTemplate string `koanf:"exclusion_name_template"`
	ExclusionDescription  string `koanf:"exclusion_description"`

	// Shield
	ShieldAutoDisable        bool `koanf:"shield_auto_disable"`
	ShieldAutoDisableMinutes int  `koanf:"shield_auto_disable_minutes"`

	// Polling and rule evaluation
	DevicePollInterval   time.Duration `koanf:"device_poll_interval"`
	TimeRuleInterval     time.Duration `koanf:"time_rule_interval"`
	PlaybackPollInterval time.Duration `koanf:"playback_poll_interval"`
	RecentPollInterval   time.Duration `koanf:"recent_poll_interval"`

	// Remote repository and sync jobs
	RemoteDBPath        string        `koanf:"remote_db_path"`
	SyncInterval        time.Duration `koanf:"sync_interval"`
	BackupInterval      time.Duration `koanf:"backup_interval"`
	ConsolidateInterval time.Duration `koanf:"consolidate_interval"`
	HistoryRetention    time.Duration `koanf:"history_retention"`

	// Upload queue
	UploadWorkers    int           `koanf:"upload_workers"`
	UploadQueueDepth int           `koanf:"upload_queue_depth"`
	UploadMaxRetries int           `koanf:"upload_max_retries"`
	UploadRetryBase  time.Duration `koanf:"upload_retry_base"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Notifications
	NotifyWebhookURL string `koanf:"notify_webhook_url"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ControlAddr     string        `koanf:"control_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// AutoDisableDuration returns the configured default auto-disable duration,
// zero when auto-disable is off.
func (c *Config) AutoDisableDuration() time.Duration {
	if !c.ShieldAutoDisable {
		return 0
	}
	return time.Duration(c.ShieldAutoDisableMinutes) * time.Minute
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.SpotifyAPIURL,
		&c.SpotifyAccountsURL,
		&c.SpotifyClientID,
		&c.SpotifyClientSecret,
		&c.SpotifyRefreshToken,
		&c.ExclusionNameTemplate,
		&c.ExclusionDescription,
		&c.RemoteDBPath,
		&c.DataDir,
		&c.NotifyWebhookURL,
		&c.LogLevel,
		&c.LogFormat,
		&c.MetricsAddr,
		&c.ControlAddr,
	} {
		*p = stripEnvQuotes(*p)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"spotify_api_url":             "https://api.spotify.com/v1",
		"spotify_accounts_url":        "https://accounts.spotify.com",
		"spotify_http_timeout":        "15s",
		"spotify_rate_limit":          5.0,
		"spotify_rate_burst":          10,
		"token_refresh_min_gap":       "5s",
		"exclusion_name_template":     "Shielded listening",
		"exclusion_description":       "Managed by tasteshield. Exclude this playlist from your taste profile.",
		"shield_auto_disable":         false,
		"shield_auto_disable_minutes": 60,
		"device_poll_interval":        "30s",
		"time_rule_interval":          "15m",
		"playback_poll_interval":      "30s",
		"recent_poll_interval":        "2m",
		"remote_db_path":              "/data/remote.db",
		"sync_interval":               "15m",
		"backup_interval":             "1h",
		"consolidate_interval":        "24h",
		"history_retention":           "2160h",
		"upload_workers":              2,
		"upload_queue_depth":          256,
		"upload_max_retries":          3,
		"upload_retry_base":           "1s",
		"data_dir":                    "/data",
		"log_level":                   "info",
		"log_format":                  "json",
		"metrics_enabled":             true,
		"metrics_addr":                ":9090",
		"control_addr":                ":8081",
		"janitor_interval":            "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: SPOTIFY_CLIENT_ID maps to
	// koanf:"spotify_client_id" without nesting.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.SpotifyClientID == "" {
		return fmt.Errorf("SPOTIFY_CLIENT_ID is required")
	}
	if c.SpotifyClientSecret == "" {
		return fmt.Errorf("SPOTIFY_CLIENT_SECRET is required")
	}
	if c.SpotifyRefreshToken == "" {
		return fmt.Errorf("SPOTIFY_REFRESH_TOKEN is required")
	}

	for _, pair := range []struct{ name, raw string }{
		{"SPOTIFY_API_URL", c.SpotifyAPIURL},
		{"SPOTIFY_ACCOUNTS_URL", c.SpotifyAccountsURL},
	} {
		if err := validateHTTPURL(pair.raw); err != nil {
			return fmt.Errorf("%s %w", pair.name, err)
		}
	}
	if c.NotifyWebhookURL != "" {
		if err := validateHTTPURL(c.NotifyWebhookURL); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL %w", err)
		}
	}

	if c.SpotifyRateLimit <= 0 {
		return fmt.Errorf("SPOTIFY_RATE_LIMIT must be > 0; got %v", c.SpotifyRateLimit)
	}
	if c.SpotifyRateBurst < 1 {
		return fmt.Errorf("SPOTIFY_RATE_BURST must be >= 1; got %d", c.SpotifyRateBurst)
	}

	if _, err := template.New("").Parse(c.ExclusionNameTemplate); err != nil {
		return fmt.Errorf("EXCLUSION_NAME_TEMPLATE is invalid Go template: %w", err)
	}
	if strings.TrimSpace(c.ExclusionNameTemplate) == "" {
		return fmt.Errorf("EXCLUSION_NAME_TEMPLATE must not be empty")
	}

	if c.ShieldAutoDisable && c.ShieldAutoDisableMinutes < 1 {
		return fmt.Errorf("SHIELD_AUTO_DISABLE_MINUTES must be >= 1 when SHIELD_AUTO_DISABLE is on; got %d", c.ShieldAutoDisableMinutes)
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"DEVICE_POLL_INTERVAL", c.DevicePollInterval},
		{"TIME_RULE_INTERVAL", c.TimeRuleInterval},
		{"PLAYBACK_POLL_INTERVAL", c.PlaybackPollInterval},
		{"RECENT_POLL_INTERVAL", c.RecentPollInterval},
		{"SYNC_INTERVAL", c.SyncInterval},
		{"BACKUP_INTERVAL", c.BackupInterval},
		{"CONSOLIDATE_INTERVAL", c.ConsolidateInterval},
		{"HISTORY_RETENTION", c.HistoryRetention},
		{"JANITOR_INTERVAL", c.JanitorInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be > 0; got %s", d.name, d.v)
		}
	}

	if c.TimeRuleInterval < MinTimeRuleInterval {
		return fmt.Errorf("TIME_RULE_INTERVAL must be >= %s; got %s", MinTimeRuleInterval, c.TimeRuleInterval)
	}

	if c.RemoteDBPath == "" {
		return fmt.Errorf("REMOTE_DB_PATH is required")
	}

	if c.UploadWorkers < 1 || c.UploadWorkers > 64 {
		return fmt.Errorf("UPLOAD_WORKERS must be 1–64; got %d", c.UploadWorkers)
	}
	if c.UploadQueueDepth < 1 {
		return fmt.Errorf("UPLOAD_QUEUE_DEPTH must be >= 1; got %d", c.UploadQueueDepth)
	}
	if c.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must be >= 0; got %d", c.UploadMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console; got %q", c.LogFormat)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("must start with http:// or https://; got %q", raw)
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	return nil
}

// fileSecretKeys may be supplied through a KEY_FILE env var pointing at a file.
var fileSecretKeys = []string{
	"spotify_client_id",
	"spotify_client_secret",
	"spotify_refresh_token",
	"notify_webhook_url",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
