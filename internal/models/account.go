package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is an API consumer. The raw key is never kept; only its SHA-256 hex
// hash and an 8-character display prefix are stored. Tier names the quota
// class the account's API requests are limited under.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	Prefix    string    `json:"prefix"`
	Tier      string    `json:"tier"`
	Admin     bool      `json:"admin,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAccount creates an enabled Account from a raw key string.
func NewAccount(id, name, rawKey, tier string) *Account {
	prefix := rawKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Account{
		ID:        id,
		Name:      name,
		KeyHash:   HashAPIKey(rawKey),
		Prefix:    prefix,
		Tier:      tier,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
}

// GenerateAPIKey produces a new random API key in the format gk_<44 url-safe base64 chars>.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 33) // 33 bytes → 44 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "gk_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey computes the SHA-256 hex digest of a raw API key.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// NewKeyID generates a new UUID v4 for use as an Account ID.
func NewKeyID() string {
	return uuid.New().String()
}

// VerifyKey reports whether rawKey matches the stored hash. Disabled accounts
// never verify.
func (a *Account) VerifyKey(rawKey string) bool {
	if !a.Enabled {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.KeyHash), []byte(HashAPIKey(rawKey))) == 1
}

type accountContextKey struct{}

// ContextWithAccount returns a copy of ctx carrying the authenticated account.
func ContextWithAccount(ctx context.Context, a *Account) context.Context {
	return context.WithValue(ctx, accountContextKey{}, a)
}

// AccountFromContext returns the authenticated account stored by
// ContextWithAccount, if any.
func AccountFromContext(ctx context.Context) (*Account, bool) {
	a, ok := ctx.Value(accountContextKey{}).(*Account)
	return a, ok && a != nil
}
