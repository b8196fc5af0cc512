package authfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/habitsync/internal/identity"
)

// ErrInvalidToken is returned for a session token that fails verification.
var ErrInvalidToken = errors.New("invalid session token")

// sessionClaims is the claims set of a session token. The subject is the
// user id.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// VerifyConfig controls token verification.
type VerifyConfig struct {
	Secret []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	Now    func() time.Time
}

// ParseToken verifies an HS256 session token and returns the remote
// identity it carries.
func ParseToken(token string, cfg VerifyConfig) (*identity.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session token verifier has no secret")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return identity.Remote(claims.Subject, claims.Email), nil
}

// IssueConfig describes a token to sign.
type IssueConfig struct {
	Secret []byte
	Issuer string
	UserID string
	Email  string
	TTL    time.Duration
	Now    func() time.Time
}

// IssueToken signs a session token for cfg.UserID.
func IssueToken(cfg IssueConfig) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", errors.New("issue session token: secret is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return "", errors.New("issue session token: user id is required")
	}
	if cfg.TTL <= 0 {
		return "", errors.New("issue session token: ttl must be positive")
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	issuedAt := now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   cfg.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(cfg.TTL)),
		},
		Email: cfg.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}
	return signed, nil
}

// WriteTokenFile atomically replaces path with token, so a watcher never
// observes a partial write.
func WriteTokenFile(path, token string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// RemoveTokenFile signs the device out. A missing file is not an error.
func RemoveTokenFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// readTokenFile returns the identity in path, nil when the file is absent.
func readTokenFile(path string, cfg VerifyConfig) (*identity.Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return ParseToken(string(data), cfg)
}
