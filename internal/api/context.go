package api

import (
	"context"
	"net/http"
	"strings"

	"playshelf/internal/identity"
)

type contextKey string

const identityKey contextKey = "identity"

// ContextWithIdentity attaches the authenticated caller to the context.
func ContextWithIdentity(ctx context.Context, caller identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, caller)
}

// IdentityFromContext retrieves the authenticated caller from the context.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	caller, ok := ctx.Value(identityKey).(identity.Identity)
	return caller, ok
}

// ExtractToken pulls the bearer token from the Authorization header or the
// X-Api-Token fallback used by local device clients.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Token"))
}
