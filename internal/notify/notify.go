package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/rs/zerolog"
)

// Kind identifies a user-facing notification.
type Kind string

const (
	// KindResourceCreated asks the user to mark a new exclusion playlist as
	// excluded from their taste profile. Sent once per created resource.
	KindResourceCreated Kind = "resource-created"
	// KindAutoDisabled reports that the auto-disable countdown ended a session.
	KindAutoDisabled Kind = "auto-disabled"
	// KindCredentialRevoked reports a forced logout.
	KindCredentialRevoked Kind = "credential-revoked"
	// KindRuleActivated reports that a time or device rule turned shielding on.
	KindRuleActivated Kind = "rule-activated"
)

// Event is one user-facing message.
type Event struct {
	Kind    Kind              `json:"kind"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier delivers events to the user.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the structured log.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a Notifier that logs each event at info level.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	e := l.log.Info().Str("kind", string(ev.Kind)).Str("title", ev.Title)
	for k, v := range ev.Fields {
		e = e.Str(k, v)
	}
	e.Msg(ev.Message)
	metrics.Notifications.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Webhook POSTs events as JSON to a URL.
type Webhook struct {
	url        string
	userAgent  string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewWebhook constructs a Webhook notifier. version is reported in the User-Agent.
func NewWebhook(url, version string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:        url,
		userAgent:  "tasteshield/" + version,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.log.Warn().Int("status", resp.StatusCode).Str("kind", string(ev.Kind)).
			Msg("notification webhook returned non-2xx")
		return fmt.Errorf("notification webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
