// Package token issues and verifies the signed access and refresh tokens.
//
// Verification is purely cryptographic: signature, algorithm, expiry and
// token kind. Whether a refresh token is still the live one for its user is
// decided by the caller against the credential store.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	Access  Kind = "access"
	Refresh Kind = "refresh"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("missing signing secret")
)

// Config is read once at startup. Access and refresh tokens are signed with
// distinct secrets and carry distinct lifetimes.
type Config struct {
	AccessSecret  []byte
	AccessTTL     time.Duration
	RefreshSecret []byte
	RefreshTTL    time.Duration
}

// Subject is the identity a token is minted for.
type Subject struct {
	ID       string
	Email    string
	Username string
	FullName string
}

// Claims is the payload of both token kinds. Refresh tokens only carry the
// user id besides the registered claims.
type Claims struct {
	UserID   string `json:"_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	FullName string `json:"fullname,omitempty"`
	Kind     Kind   `json:"typ"`
	jwt.RegisteredClaims
}

type Manager struct {
	config Config
	now    func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, fmt.Errorf("%w: access", ErrMissingSecret)
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, fmt.Errorf("%w: refresh", ErrMissingSecret)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}

	m := &Manager{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// IssueAccess signs a short-lived token carrying the full identity claim set.
func (m *Manager) IssueAccess(s Subject) (string, time.Time, error) {
	return m.issue(Access, Claims{
		UserID:   s.ID,
		Email:    s.Email,
		Username: s.Username,
		FullName: s.FullName,
	})
}

// IssueRefresh signs a long-lived token carrying only the user id. Every
// token gets a random jti, so two tokens minted within the same second differ.
func (m *Manager) IssueRefresh(userID string) (string, time.Time, error) {
	return m.issue(Refresh, Claims{UserID: userID})
}

func (m *Manager) issue(kind Kind, claims Claims) (string, time.Time, error) {
	if claims.UserID == "" {
		return "", time.Time{}, errors.New("token subject is empty")
	}

	secret, ttl := m.keyFor(kind)
	now := m.now().UTC()
	expiresAt := now.Add(ttl)

	claims.Kind = kind
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}

	return signed, expiresAt, nil
}

// Verify checks the signature against the secret for kind, the expiry and
// the embedded kind. Every failure is reported as ErrInvalidToken.
func (m *Manager) Verify(tokenString string, kind Kind) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	secret, _ := m.keyFor(kind)
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: unexpected kind %q", ErrInvalidToken, claims.Kind)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

func (m *Manager) keyFor(kind Kind) ([]byte, time.Duration) {
	if kind == Refresh {
		return m.config.RefreshSecret, m.config.RefreshTTL
	}
	return m.config.AccessSecret, m.config.AccessTTL
}
