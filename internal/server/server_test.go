package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"playshelf/internal/api"
	"playshelf/internal/identity"
	"playshelf/internal/models"
	"playshelf/internal/observability/metrics"
	"playshelf/internal/session"
	"playshelf/internal/storage"
)

const (
	ownerToken = "test-token-owner-0001"
	adminToken = "test-token-admin-0001"
)

func newTestServer(t *testing.T) (*Server, *metrics.Recorder) {
	t.Helper()
	resolver := identity.NewMemoryResolver()
	if err := resolver.Register(identity.Identity{UserID: "u1", DisplayName: "Avery"}, ownerToken); err != nil {
		t.Fatalf("register owner: %v", err)
	}
	if err := resolver.Register(identity.Identity{UserID: "root", IsAdmin: true, CanUpdate: true, CanDelete: true}, adminToken); err != nil {
		t.Fatalf("register admin: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	sessions := session.NewService(storage.NewMemoryStore(),
		session.WithLogger(logger),
		session.WithMetrics(recorder),
	)
	handler := api.NewHandler(sessions, resolver, logger)
	return New(handler, Config{Addr: ":0", Logger: logger, Metrics: recorder}), recorder
}

func serverRequest(t *testing.T, srv *Server, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func TestServerHealthAndMetricsSkipAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := serverRequest(t, srv, "", http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	w = serverRequest(t, srv, "", http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "playshelf_http_requests_total") {
		t.Fatalf("unexpected metrics body: %s", w.Body.String())
	}
}

func TestServerRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	w := serverRequest(t, srv, "", http.MethodPost, "/api/session/open", "{}")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w = serverRequest(t, srv, "not-a-real-token-here", http.MethodPost, "/api/session/open", "{}")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestServerSessionLifecycle(t *testing.T) {
	srv, recorder := newTestServer(t)

	w := serverRequest(t, srv, ownerToken, http.MethodPost, "/api/session/open",
		`{"deviceId":"d1","libraryItemId":"i1","mediaType":"book","duration":600}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open returned %d: %s", w.Code, w.Body.String())
	}
	var view models.ClientView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	w = serverRequest(t, srv, ownerToken, http.MethodPost, fmt.Sprintf("/api/session/%s/sync", view.ID),
		`{"currentTime":60,"timeListened":60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("sync returned %d: %s", w.Code, w.Body.String())
	}

	// The owner cannot use the admin listing.
	w = serverRequest(t, srv, ownerToken, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin listing, got %d", w.Code)
	}
	w = serverRequest(t, srv, adminToken, http.MethodGet, "/api/sessions/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin listing returned %d: %s", w.Code, w.Body.String())
	}

	w = serverRequest(t, srv, ownerToken, http.MethodPost, fmt.Sprintf("/api/session/%s/close", view.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("close returned %d: %s", w.Code, w.Body.String())
	}

	if got := recorder.SessionEventCount(metrics.SessionOpened); got != 1 {
		t.Fatalf("expected 1 open event, got %d", got)
	}
	if got := recorder.SessionEventCount(metrics.SessionClosed); got != 1 {
		t.Fatalf("expected 1 close event, got %d", got)
	}
	if got := recorder.OpenSessions(); got != 0 {
		t.Fatalf("open session gauge not reset: %d", got)
	}
}

func TestServerEchoesCallerRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-Id", "caller-supplied")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if got := w.Header().Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("expected the caller's request id, got %q", got)
	}
}
