package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientConfig holds parameters for constructing a platform HTTP client.
type ClientConfig struct {
	APIURL        string
	AccountsURL   string
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	Timeout       time.Duration
	Debug         bool
	RateLimit     float64 // requests per second
	RateBurst     int
	RefreshMinGap time.Duration // thundering-herd guard: skip refresh if last one was < this ago
}

// httpClient implements Client using direct HTTPS calls to the platform Web API.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	tokens  *tokenManager
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient constructs a platform client and performs the initial token refresh.
// A revoked refresh token fails here with *ErrCredentialRevoked.
func NewClient(ctx context.Context, cfg ClientConfig, store TokenStore, log zerolog.Logger) (Client, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	hc := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	c := &httpClient{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
	c.tokens = newTokenManager(TokenConfig{
		AccountsURL:    cfg.AccountsURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RefreshToken:   cfg.RefreshToken,
		RefreshTimeout: cfg.Timeout,
		RefreshMinGap:  cfg.RefreshMinGap,
	}, hc, store, log)

	if err := c.tokens.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial token refresh: %w", err)
	}
	return c, nil
}

// apiDo executes an HTTP request, handling auth, rate limiting, metrics, and
// typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("platform api request")
	}

	start := time.Now()
	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("platform api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("platform api response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{ID: req.URL.Path}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	case resp.StatusCode >= 400:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: HTTP %d", endpoint, resp.StatusCode)
	}
	return resp, nil
}

// withReauth executes fn, and on ErrUnauthorized refreshes the access token then retries once.
func (c *httpClient) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	var ua *ErrUnauthorized
	if !errors.As(err, &ua) {
		return err
	}
	if authErr := c.tokens.Refresh(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// Close releases idle connections. Access tokens expire server-side.
func (c *httpClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *httpClient) url(path string) string {
	return strings.TrimRight(c.cfg.APIURL, "/") + path
}
