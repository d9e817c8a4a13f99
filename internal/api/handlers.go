package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"playshelf/internal/identity"
	"playshelf/internal/models"
	"playshelf/internal/session"
)

// Handler exposes the playback session endpoints.
type Handler struct {
	Sessions   *session.Service
	Identities identity.Resolver
	Logger     *slog.Logger
}

// NewHandler constructs a Handler over the session service and identity
// resolver.
func NewHandler(sessions *session.Service, identities identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Sessions: sessions, Identities: identities, Logger: logger}
}

// AuthenticateRequest resolves the request's bearer token to an identity.
func (h *Handler) AuthenticateRequest(r *http.Request) (identity.Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return identity.Identity{}, errors.New("missing api token")
	}
	caller, ok, err := h.Identities.Resolve(r.Context(), token)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	if !ok {
		return identity.Identity{}, errors.New("invalid api token")
	}
	return caller, nil
}

func callerFromRequest(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
	}
	return caller, ok
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, session.ErrNotFound)
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, session.ErrForbidden)
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrPersistence):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, session.ErrPersistence)
	default:
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// OpenSession handles POST /api/session/open.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req session.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opened, err := h.Sessions.OpenOrContinue(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opened.ToClientView())
}

// SessionByID routes /api/session/{id}[/sync|/close]. Session ids never
// contain slashes, so a single split suffices.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/session/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusNotFound, session.ErrNotFound)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getOpenSession(w, r, caller, sessionID)
	case action == "" && r.Method == http.MethodDelete:
		h.deleteSession(w, r, caller, sessionID)
	case action == "sync" && r.Method == http.MethodPost:
		h.syncSession(w, r, caller, sessionID)
	case action == "close" && r.Method == http.MethodPost:
		h.closeSession(w, r, caller, sessionID)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) getOpenSession(w http.ResponseWriter, r *http.Request, caller identity.Identity, sessionID string) {
	open, err := h.Sessions.GetOpen(r.Context(), caller, sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, open.ToClientView())
}

type syncResponse struct {
	Session      models.ClientView `json:"session"`
	StaleIgnored bool              `json:"staleIgnored"`
}

func (h *Handler) syncSession(w http.ResponseWriter, r *http.Request, caller identity.Identity, sessionID string) {
	var report models.ProgressReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	merged, outcome, err := h.Sessions.SyncLive(r.Context(), caller, sessionID, report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Session: merged.ToClientView(), StaleIgnored: outcome.StaleIgnored})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request, caller identity.Identity, sessionID string) {
	var report *models.ProgressReport
	if r.ContentLength != 0 {
		var decoded models.ProgressReport
		if err := decodeJSON(r, &decoded); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// Clients send {} when they have no final report. Treat it like an
		// empty body so a bare close never rewinds recorded progress to zero.
		if decoded != (models.ProgressReport{}) {
			report = &decoded
		}
	}
	closed, err := h.Sessions.Close(r.Context(), caller, sessionID, report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed.ToClientView())
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, caller identity.Identity, sessionID string) {
	if err := h.Sessions.Delete(r.Context(), caller, sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type localSyncItem struct {
	Session      *models.ClientView `json:"session,omitempty"`
	StaleIgnored bool               `json:"staleIgnored,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// SyncLocal handles POST /api/session/local: batch reconciliation of sessions
// recorded offline. Failures are reported per item so the caller can retry
// only the failed subset.
func (h *Handler) SyncLocal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var payload struct {
		Sessions []models.ProgressReport `json:"sessions"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results := h.Sessions.SyncLocal(r.Context(), caller, payload.Sessions)
	items := make([]localSyncItem, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			items = append(items, localSyncItem{Error: result.Err.Error()})
			continue
		}
		view := result.Session.ToClientView()
		items = append(items, localSyncItem{Session: &view, StaleIgnored: result.Outcome.StaleIgnored})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": items})
}

// OpenSessions handles GET /api/sessions/open: the admin view of every open
// session joined with its minified owner record.
func (h *Handler) OpenSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	open, err := h.Sessions.ListOpen(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]models.AdminView, 0, len(open))
	for _, s := range open {
		views = append(views, s.ToAdminView(h.lookupUser(r, s.UserID)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// ListSessions handles GET /api/sessions: paginated session history,
// optionally filtered to one user via ?user=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	page := parseIntOrDefault(query.Get("page"), 0)
	itemsPerPage := parseIntOrDefault(query.Get("itemsPerPage"), 10)

	result, err := h.Sessions.ListAll(r.Context(), caller, query.Get("user"), page, itemsPerPage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]models.AdminView, 0, len(result.Sessions))
	for _, s := range result.Sessions {
		views = append(views, s.ToAdminView(h.lookupUser(r, s.UserID)))
	}
	payload := map[string]interface{}{
		"total":        result.Total,
		"numPages":     result.NumPages,
		"page":         result.Page,
		"itemsPerPage": result.ItemsPerPage,
		"sessions":     views,
	}
	if result.UserFilter != "" {
		payload["userFilter"] = result.UserFilter
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) lookupUser(r *http.Request, userID string) *models.UserSummary {
	if h.Identities == nil {
		return nil
	}
	summary, ok, err := h.Identities.Lookup(r.Context(), userID)
	if err != nil || !ok {
		return nil
	}
	return &summary
}

func parseIntOrDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
