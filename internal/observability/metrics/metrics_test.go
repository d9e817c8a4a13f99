package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderWrite(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("post", "/api/session/abc123/sync", 200, 30*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/session/def456/sync", 200, 20*time.Millisecond)
	recorder.SessionEvent(SessionOpened)
	recorder.SessionEvent(SessionStaleReport)
	recorder.SetOpenSessions(3)

	var sb strings.Builder
	recorder.Write(&sb)
	output := sb.String()

	// Both requests collapse onto one normalized label set.
	if !strings.Contains(output, `playshelf_http_requests_total{method="POST",path="/api/session/:id/sync",status="200"} 2`) {
		t.Fatalf("request counter missing or not normalized:\n%s", output)
	}
	if !strings.Contains(output, `playshelf_session_events_total{event="opened"} 1`) {
		t.Fatalf("session event counter missing:\n%s", output)
	}
	if !strings.Contains(output, "playshelf_open_sessions 3") {
		t.Fatalf("open session gauge missing:\n%s", output)
	}
}

func TestRecorderHandler(t *testing.T) {
	recorder := New()
	recorder.SessionEvent(SessionClosed)

	w := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("handler returned %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(w.Body.String(), `event="closed"`) {
		t.Fatalf("scrape body missing counter:\n%s", w.Body.String())
	}
}

func TestSessionEventCount(t *testing.T) {
	recorder := New()
	if got := recorder.SessionEventCount(SessionSynced); got != 0 {
		t.Fatalf("expected zero count, got %d", got)
	}
	recorder.SessionEvent(SessionSynced)
	recorder.SessionEvent(SessionSynced)
	if got := recorder.SessionEventCount(SessionSynced); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/session/abc123", "/api/session/:id"},
		{"/api/session/abc123/sync", "/api/session/:id/sync"},
		{"/api/session/open", "/api/session/open"},
		{"/api/session/local", "/api/session/local"},
		{"/api/sessions", "/api/sessions"},
		{"/api/sessions/open", "/api/sessions/open"},
		{"/healthz", "/healthz"},
		{"", "/"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
