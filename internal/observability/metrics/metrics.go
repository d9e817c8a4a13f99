// Package metrics aggregates in-memory counters for HTTP traffic and session
// lifecycle activity and renders them in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Session lifecycle event names recorded by the engine.
const (
	SessionOpened        = "opened"
	SessionSynced        = "synced"
	SessionLocalSynced   = "local_synced"
	SessionClosed        = "closed"
	SessionDeleted       = "deleted"
	SessionStaleReport   = "stale_report"
	SessionPersistFailed = "persist_failed"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates request counters and session lifecycle counters behind a
// RWMutex, with an atomic gauge for the number of open sessions.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	openSessions    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionEvent increments the named lifecycle counter.
func (r *Recorder) SessionEvent(name string) {
	r.mu.Lock()
	r.sessionEvents[name]++
	r.mu.Unlock()
}

// SetOpenSessions records the current open-session gauge value.
func (r *Recorder) SetOpenSessions(n int64) {
	r.openSessions.Store(n)
}

// OpenSessions returns the current open-session gauge value.
func (r *Recorder) OpenSessions() int64 {
	return r.openSessions.Load()
}

// SessionEventCount returns the current value of a lifecycle counter.
func (r *Recorder) SessionEventCount(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionEvents[name]
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics, sorting label sets for stable scrape output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		requestLabels = append(requestLabels, label)
	}
	sort.Slice(requestLabels, func(i, j int) bool {
		a, b := requestLabels[i], requestLabels[j]
		if a.path != b.path {
			return a.path < b.path
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.status < b.status
	})

	fmt.Fprintln(w, "# HELP playshelf_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE playshelf_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "playshelf_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP playshelf_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE playshelf_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "playshelf_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	eventNames := make([]string, 0, len(r.sessionEvents))
	for name := range r.sessionEvents {
		eventNames = append(eventNames, name)
	}
	sort.Strings(eventNames)

	fmt.Fprintln(w, "# HELP playshelf_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE playshelf_session_events_total counter")
	for _, name := range eventNames {
		fmt.Fprintf(w, "playshelf_session_events_total{event=%q} %d\n", name, r.sessionEvents[name])
	}

	fmt.Fprintln(w, "# HELP playshelf_open_sessions Current number of open playback sessions")
	fmt.Fprintln(w, "# TYPE playshelf_open_sessions gauge")
	fmt.Fprintf(w, "playshelf_open_sessions %d\n", r.openSessions.Load())
}

// normalizePath collapses per-session path segments so the label cardinality
// stays bounded.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if i > 1 && isIDSegment(parts[i-1], parts[i]) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIDSegment(previous, segment string) bool {
	switch previous {
	case "session", "sessions":
		switch segment {
		case "", "open", "local":
			return false
		}
		return true
	}
	return false
}
