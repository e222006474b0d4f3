package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "SPOTIFY_CLIENT_ID", "client-id")
	setEnv(t, "SPOTIFY_CLIENT_SECRET", "client-secret")
	setEnv(t, "SPOTIFY_REFRESH_TOKEN", "refresh-token")
}

func TestLoadMissingRequired(t *testing.T) {
	// t.Setenv registers restore; an empty value counts as missing.
	setEnv(t, "SPOTIFY_CLIENT_ID", "")
	setEnv(t, "SPOTIFY_CLIENT_SECRET", "")
	setEnv(t, "SPOTIFY_REFRESH_TOKEN", "")

	_, err := Load()
	if err == nil {
		t.Error("expected error when SPOTIFY_CLIENT_ID missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpotifyClientID != "client-id" {
		t.Errorf("SpotifyClientID: got %q", cfg.SpotifyClientID)
	}
	if cfg.SpotifyAPIURL != "https://api.spotify.com/v1" {
		t.Errorf("SpotifyAPIURL default: got %q", cfg.SpotifyAPIURL)
	}
	if cfg.DevicePollInterval != 30*time.Second {
		t.Errorf("DevicePollInterval default: got %s", cfg.DevicePollInterval)
	}
	if cfg.TimeRuleInterval != 15*time.Minute {
		t.Errorf("TimeRuleInterval default: got %s", cfg.TimeRuleInterval)
	}
	if cfg.AutoDisableDuration() != 0 {
		t.Errorf("auto-disable should default to off, got %s", cfg.AutoDisableDuration())
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "client_secret.txt")
	if err := os.WriteFile(secretFile, []byte("  secret-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	setRequired(t)
	setEnv(t, "SPOTIFY_CLIENT_SECRET", "")
	setEnv(t, "SPOTIFY_CLIENT_SECRET_FILE", secretFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.SpotifyClientSecret != "secret-from-file" {
		t.Errorf("expected trimmed file secret, got %q", cfg.SpotifyClientSecret)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	setRequired(t)
	setEnv(t, "SPOTIFY_REFRESH_TOKEN_FILE", filepath.Join(t.TempDir(), "absent"))

	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestAutoDisableDuration(t *testing.T) {
	setRequired(t)
	setEnv(t, "SHIELD_AUTO_DISABLE", "true")
	setEnv(t, "SHIELD_AUTO_DISABLE_MINUTES", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.AutoDisableDuration(); got != 45*time.Minute {
		t.Errorf("AutoDisableDuration: got %s, want 45m", got)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"upload workers too high", "UPLOAD_WORKERS", "100"},
		{"upload workers zero", "UPLOAD_WORKERS", "0"},
		{"negative retries", "UPLOAD_MAX_RETRIES", "-1"},
		{"bad api url", "SPOTIFY_API_URL", "ftp://example.com"},
		{"bad webhook url", "NOTIFY_WEBHOOK_URL", "hooks.example.com/x"},
		{"bad template", "EXCLUSION_NAME_TEMPLATE", "{{.Unclosed"},
		{"zero rate", "SPOTIFY_RATE_LIMIT", "0"},
		{"zero poll interval", "DEVICE_POLL_INTERVAL", "0s"},
		{"time rule interval below floor", "TIME_RULE_INTERVAL", "5m"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad log format", "LOG_FORMAT", "xml"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			setRequired(t)
			setEnv(t, c.key, c.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", c.key, c.val)
			}
		})
	}
}

func TestTimeRuleIntervalFloor(t *testing.T) {
	setRequired(t)
	setEnv(t, "TIME_RULE_INTERVAL", "15m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("interval at the floor should load: %v", err)
	}
	if cfg.TimeRuleInterval != MinTimeRuleInterval {
		t.Errorf("TimeRuleInterval: got %s", cfg.TimeRuleInterval)
	}

	setEnv(t, "TIME_RULE_INTERVAL", "14m59s")
	if _, err := Load(); err == nil {
		t.Error("expected error below the floor")
	}
}

func TestAutoDisableEnabledRequiresMinutes(t *testing.T) {
	setRequired(t)
	setEnv(t, "SHIELD_AUTO_DISABLE", "true")
	setEnv(t, "SHIELD_AUTO_DISABLE_MINUTES", "0")

	if _, err := Load(); err == nil {
		t.Error("expected error for auto-disable with zero minutes")
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`"quoted"`, "quoted"},
		{`'single'`, "single"},
		{`"mismatched'`, `"mismatched'`},
		{`plain`, "plain"},
		{`"`, `"`},
		{``, ``},
	}
	for _, c := range cases {
		if got := stripEnvQuotes(c.in); got != c.want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestQuotedEnvValuesAreSanitised(t *testing.T) {
	setRequired(t)
	setEnv(t, "SPOTIFY_CLIENT_ID", `"quoted-id"`)
	setEnv(t, "EXCLUSION_NAME_TEMPLATE", `'Shielded {{.DisplayName}}'`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpotifyClientID != "quoted-id" {
		t.Errorf("SpotifyClientID: got %q", cfg.SpotifyClientID)
	}
	if cfg.ExclusionNameTemplate != "Shielded {{.DisplayName}}" {
		t.Errorf("ExclusionNameTemplate: got %q", cfg.ExclusionNameTemplate)
	}
}
