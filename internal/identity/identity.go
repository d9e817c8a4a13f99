// Package identity resolves bearer tokens to already-authenticated caller
// identities. The session engine consumes the resulting capability flags; it
// never evaluates authorization policy itself.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"playshelf/internal/models"
)

const (
	tokenLength         = 32
	tokenPrefixLength   = 12
	tokenHashSalt       = 16
	tokenHashKeyLength  = 32
	tokenHashIterations = 120000
)

// Identity is the authenticated caller as supplied by the surrounding system.
type Identity struct {
	UserID      string
	DisplayName string
	IsAdmin     bool
	CanUpdate   bool
	CanDelete   bool
}

// Summary returns the minified user record attached to admin session views.
func (i Identity) Summary() models.UserSummary {
	return models.UserSummary{ID: i.UserID, DisplayName: i.DisplayName}
}

// Resolver maps bearer tokens to identities and exposes the minified user
// directory used when joining open sessions with their owners.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, bool, error)
	Lookup(ctx context.Context, userID string) (models.UserSummary, bool, error)
}

// ErrInvalidIdentity is returned when registering an identity without a user id.
var ErrInvalidIdentity = errors.New("identity requires a user id")

type tokenRecord struct {
	salt     []byte
	hash     []byte
	identity Identity
}

// MemoryResolver keeps token credentials in memory. Tokens are stored as
// salted PBKDF2-SHA256 hashes keyed by a short prefix, so a dumped process
// image never yields usable bearer tokens.
type MemoryResolver struct {
	mu     sync.RWMutex
	tokens map[string]tokenRecord
	users  map[string]models.UserSummary
}

// NewMemoryResolver constructs an empty in-memory resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		tokens: make(map[string]tokenRecord),
		users:  make(map[string]models.UserSummary),
	}
}

// GenerateToken issues a new random bearer token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Register associates the token with the identity, replacing any previous
// credential for the same token.
func (r *MemoryResolver) Register(identity Identity, token string) error {
	if identity.UserID == "" {
		return ErrInvalidIdentity
	}
	if len(token) <= tokenPrefixLength {
		return fmt.Errorf("token must be longer than %d characters", tokenPrefixLength)
	}
	salt := make([]byte, tokenHashSalt)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash := hashToken(token, salt)
	r.mu.Lock()
	r.tokens[token[:tokenPrefixLength]] = tokenRecord{salt: salt, hash: hash, identity: identity}
	r.users[identity.UserID] = identity.Summary()
	r.mu.Unlock()
	return nil
}

// Resolve verifies the token and returns the associated identity.
func (r *MemoryResolver) Resolve(_ context.Context, token string) (Identity, bool, error) {
	if len(token) <= tokenPrefixLength {
		return Identity{}, false, nil
	}
	r.mu.RLock()
	record, ok := r.tokens[token[:tokenPrefixLength]]
	r.mu.RUnlock()
	if !ok {
		return Identity{}, false, nil
	}
	candidate := hashToken(token, record.salt)
	if subtle.ConstantTimeCompare(candidate, record.hash) != 1 {
		return Identity{}, false, nil
	}
	return record.identity, true, nil
}

// Lookup returns the minified user record for the given user id.
func (r *MemoryResolver) Lookup(_ context.Context, userID string) (models.UserSummary, bool, error) {
	r.mu.RLock()
	summary, ok := r.users[userID]
	r.mu.RUnlock()
	return summary, ok, nil
}

func hashToken(token string, salt []byte) []byte {
	return pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
}
