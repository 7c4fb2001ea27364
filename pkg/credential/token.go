package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Tokens holds the current identity token.
type Tokens struct {
	AccessToken string

	// ExpiresAt is the token expiry when the source knows it. Zero means unknown.
	ExpiresAt time.Time
}

// TokenSource supplies identity tokens for federation.
type TokenSource interface {
	// RenewTokens refreshes the identity token from its issuer.
	RenewTokens(ctx context.Context) error

	// GetTokens returns the current identity token.
	GetTokens(ctx context.Context) (Tokens, error)
}

// StaticTokenSource always returns the same token. RenewTokens is a no-op.
type StaticTokenSource struct {
	Token string
}

// RenewTokens implements TokenSource.
func (s StaticTokenSource) RenewTokens(context.Context) error { return nil }

// GetTokens implements TokenSource.
func (s StaticTokenSource) GetTokens(context.Context) (Tokens, error) {
	if s.Token == "" {
		return Tokens{}, errors.New("identity token is empty")
	}
	return Tokens{AccessToken: s.Token}, nil
}

// FileTokenSource reads the identity token from a file, such as a projected
// service account token. RenewTokens re-reads the file.
type FileTokenSource struct {
	Path string

	mu     sync.Mutex
	tokens Tokens
}

// NewFileTokenSource returns a token source backed by path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{Path: path}
}

// RenewTokens implements TokenSource.
func (f *FileTokenSource) RenewTokens(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

// GetTokens implements TokenSource.
func (f *FileTokenSource) GetTokens(context.Context) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens.AccessToken == "" {
		if err := f.readLocked(); err != nil {
			return Tokens{}, err
		}
	}
	return f.tokens, nil
}

func (f *FileTokenSource) readLocked() error {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read identity token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return fmt.Errorf("identity token file %s is empty", f.Path)
	}
	f.tokens = Tokens{AccessToken: token}
	return nil
}

// TokenExpiry returns when the identity token expires. It prefers the expiry
// reported by the source and falls back to the unverified JWT "exp" claim.
// ok is false when neither is available.
func TokenExpiry(t Tokens) (expiry time.Time, ok bool) {
	if !t.ExpiresAt.IsZero() {
		return t.ExpiresAt, true
	}
	parts := strings.Split(t.AccessToken, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
