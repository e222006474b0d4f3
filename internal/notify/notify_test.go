package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLogNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(zerolog.New(&buf))
	err := n.Notify(context.Background(), Event{
		Kind:    KindAutoDisabled,
		Title:   "Shield off",
		Message: "auto-disable elapsed",
		Fields:  map[string]string{"duration": "30m"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"kind":"auto-disabled"`, `"duration":"30m"`, "auto-disable elapsed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got Event
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "1.2.3", zerolog.Nop())
	ev := Event{Kind: KindResourceCreated, Title: "New playlist", At: time.Unix(100, 0).UTC()}
	if err := w.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Kind != KindResourceCreated || got.Title != "New playlist" {
		t.Errorf("payload: %+v", got)
	}
	if ua != "tasteshield/1.2.3" {
		t.Errorf("User-Agent: %q", ua)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "dev", zerolog.Nop())
	if err := w.Notify(context.Background(), Event{Kind: KindRuleActivated}); err == nil {
		t.Error("expected error on HTTP 500")
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiContinuesPastFailures(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Multi{a, Nop{}, b}.Notify(context.Background(), Event{Kind: KindCredentialRevoked})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("every notifier should be called once: a=%d b=%d", a.calls, b.calls)
	}
}
