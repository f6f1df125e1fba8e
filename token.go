package tikuncrm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token Store
// ============================================================================

// TokenStore persists the auth token between runs — the counterpart of the
// web dashboard's "auth_token" local-storage key. The session reads it once
// per connection attempt.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// FileTokenStore keeps the token in a single file.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore creates a store backed by the given file path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// DefaultTokenStore returns a store at ~/.tikun/auth_token.
func DefaultTokenStore() (*FileTokenStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	return NewFileTokenStore(filepath.Join(home, ".tikun", "auth_token")), nil
}

// Load returns the stored token, or "" when none is stored.
func (s *FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token, creating the parent directory if needed.
func (s *FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Missing file is not an error.
func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// ============================================================================
// Token Inspection
// ============================================================================

// TokenClaims is the read-only view of the claims the backend issues.
type TokenClaims struct {
	UserID       string `json:"user_id,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	DealershipID string `json:"dealership_id,omitempty"`
	jwt.RegisteredClaims
}

// InspectToken parses a JWT without verifying the signature. The client
// holds no signing secret; the server remains the authority and rejects bad
// tokens with close code 4001.
func InspectToken(token string) (*TokenClaims, error) {
	var claims TokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &claims, nil
}

// TokenExpired reports whether the token carries an exp claim in the past.
// Unparseable tokens and tokens without exp report false: the server decides.
func TokenExpired(token string) bool {
	claims, err := InspectToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return time.Now().After(claims.ExpiresAt.Time)
}
