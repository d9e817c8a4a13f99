package server

import "testing"

func TestSessionIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/session/abc123", "abc123"},
		{"/api/session/abc123/sync", "abc123"},
		{"/api/session/abc123/close", "abc123"},
		{"/api/session/open", ""},
		{"/api/session/local", ""},
		{"/api/session/", ""},
		{"/api/sessions", ""},
		{"/healthz", ""},
	}
	for _, tc := range cases {
		if got := sessionIDFromPath(tc.path); got != tc.want {
			t.Errorf("sessionIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := newRequestID()
		if id == "" {
			t.Fatal("empty request id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = struct{}{}
	}
}
