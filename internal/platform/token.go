package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/rs/zerolog"
)

// RefreshTokenKey is the local store key holding a rotated refresh token.
const RefreshTokenKey = "auth/refresh-token"

// expirySkew refreshes the access token slightly before the platform expires it.
const expirySkew = 30 * time.Second

// TokenStore persists rotated refresh tokens. storage.Store satisfies it.
type TokenStore interface {
	Get(key string, v interface{}) error
	Set(key string, v interface{}) error
}

// TokenConfig holds OAuth client credentials for the refresh-token grant.
type TokenConfig struct {
	AccountsURL    string
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	RefreshTimeout time.Duration
	RefreshMinGap  time.Duration
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// tokenManager keeps an access token alive from a refresh token. The mutex
// ensures only one of N callers performs the refresh concurrently.
type tokenManager struct {
	mu          sync.Mutex
	cfg         TokenConfig
	http        *http.Client
	store       TokenStore
	access      string
	refresh     string
	expiry      time.Time
	lastRefresh time.Time
	now         func() time.Time
	log         zerolog.Logger
}

func newTokenManager(cfg TokenConfig, httpClient *http.Client, store TokenStore, log zerolog.Logger) *tokenManager {
	t := &tokenManager{
		cfg:     cfg,
		http:    httpClient,
		store:   store,
		refresh: cfg.RefreshToken,
		now:     time.Now,
		log:     log,
	}
	// A rotated token from a previous run supersedes the configured one.
	if store != nil {
		var persisted string
		if err := store.Get(RefreshTokenKey, &persisted); err == nil && persisted != "" {
			t.refresh = persisted
		}
	}
	return t
}

// AccessToken returns a valid access token, refreshing it when expired.
func (t *tokenManager) AccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.access != "" && t.now().Before(t.expiry.Add(-expirySkew)) {
		tok := t.access
		t.mu.Unlock()
		return tok, nil
	}
	t.mu.Unlock()
	if err := t.Refresh(ctx); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access, nil
}

// Refresh obtains a new access token. It is called on expiry and when a
// request comes back 401.
func (t *tokenManager) Refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Thundering-herd guard: if another caller refreshed recently, skip.
	if t.access != "" && t.now().Sub(t.lastRefresh) < t.cfg.RefreshMinGap {
		return nil
	}

	timeout := t.cfg.RefreshTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.exchange(tctx); err != nil {
		metrics.TokenRefreshErrors.Inc()
		return fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.TokenRefreshTotal.Inc()
	t.lastRefresh = t.now()
	t.log.Debug().Time("expires", t.expiry).Msg("refreshed platform access token")
	return nil
}

// exchange performs the refresh-token grant. Callers hold t.mu.
func (t *tokenManager) exchange(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {t.refresh},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.cfg.AccountsURL, "/")+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.ClientID, t.cfg.ClientSecret)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.NewDecoder(resp.Body).Decode(&te)
		if resp.StatusCode == http.StatusBadRequest && te.Error == "invalid_grant" {
			return &ErrCredentialRevoked{Msg: te.Description}
		}
		return &ErrUnauthorized{Msg: fmt.Sprintf("token endpoint returned HTTP %d %s", resp.StatusCode, te.Error)}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return errors.New("token response has no access_token")
	}
	t.access = body.AccessToken
	t.expiry = t.now().Add(time.Duration(body.ExpiresIn) * time.Second)

	if body.RefreshToken != "" && body.RefreshToken != t.refresh {
		t.refresh = body.RefreshToken
		if t.store != nil {
			if err := t.store.Set(RefreshTokenKey, body.RefreshToken); err != nil {
				t.log.Warn().Err(err).Msg("failed to persist rotated refresh token")
			}
		}
	}
	return nil
}
