package logger

import (
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts client secrets, refresh and access tokens, and Bearer tokens from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// OAuth client secret in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(spotify_client_secret["'\s:=]+)[^\s",]+`),
	regexp.MustCompile(`(?i)(client[_-]?secret["'\s:=]+)[^\s",]+`),
	// Refresh and access tokens, including OAuth form bodies
	regexp.MustCompile(`(?i)(refresh[_-]?token["'\s:=]+)[^\s",&]+`),
	regexp.MustCompile(`(?i)(access[_-]?token["'\s:=]+)[^\s",&]+`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// Basic auth header carrying client credentials
	regexp.MustCompile(`(?i)(Basic\s+)[A-Za-z0-9+/=]{8,}`),
	// Webhook URLs frequently embed a secret path segment
	regexp.MustCompile(`(?i)(notify_webhook_url["'\s:=]+)[^\s",]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	repl := []byte("${1}" + r.redactWith)
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, repl)
	}
	n, err := r.w.Write(sanitized)
	// Report the original length so callers don't see short writes
	// when redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}
