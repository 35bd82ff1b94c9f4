// Package auth issues and verifies Chime session credentials.
//
// A session token is a signed JWT bound to a user id. The token references a
// server-side credential record by id; revocation flips the record's active
// flag, so a stolen-but-unexpired token dies with its credential. Credentials
// also carry a last-activity timestamp and are rejected once idle too long.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/finnweber/chime/pkg/model"
)

var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenRevoked = errors.New("auth: token revoked")
)

// CredentialStore is the persistence surface the token service needs.
type CredentialStore interface {
	CreateCredential(cred *model.Credential) error
	GetCredential(id string) (*model.Credential, error)
	TouchCredential(id string, at time.Time) error
	RevokeCredential(id string) error
}

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Service signs and verifies session tokens.
type Service struct {
	secret      []byte
	tokenTTL    time.Duration
	idleTimeout time.Duration
	store       CredentialStore
}

// Config controls token lifetimes.
type Config struct {
	Secret      []byte
	TokenTTL    time.Duration // hard expiry of issued tokens (default 7 days)
	IdleTimeout time.Duration // max inactivity before a credential goes stale (0 = no limit)
}

// NewService creates a token service backed by st.
func NewService(cfg Config, st CredentialStore) *Service {
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{
		secret:      cfg.Secret,
		tokenTTL:    ttl,
		idleTimeout: cfg.IdleTimeout,
		store:       st,
	}
}

// Issue creates a credential record for userID and returns the signed token.
func (s *Service) Issue(userID string) (string, *model.Credential, error) {
	now := time.Now()
	cred := &model.Credential{
		ID:           uuid.NewString(),
		UserID:       userID,
		Active:       true,
		LastActivity: now,
		ExpiresAt:    now.Add(s.tokenTTL),
		CreatedAt:    now,
	}
	if err := s.store.CreateCredential(cred); err != nil {
		return "", nil, fmt.Errorf("auth: store credential: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: userID,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, cred, nil
}

// Verify checks signature, expiry, and the backing credential, touches the
// credential's last-activity timestamp, and returns the bound user id.
func (s *Service) Verify(tokenString string) (string, error) {
	cl := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, cl, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !token.Valid || cl.UserID == "" || cl.ID == "" {
		return "", ErrTokenInvalid
	}

	cred, err := s.store.GetCredential(cl.ID)
	if err != nil {
		return "", fmt.Errorf("auth: load credential: %w", err)
	}
	if cred == nil || cred.UserID != cl.UserID {
		return "", ErrTokenInvalid
	}
	if !cred.Active {
		return "", ErrTokenRevoked
	}
	if cred.IsExpired() {
		return "", ErrTokenExpired
	}
	if s.idleTimeout > 0 && time.Since(cred.LastActivity) > s.idleTimeout {
		return "", ErrTokenExpired
	}

	if err := s.store.TouchCredential(cred.ID, time.Now()); err != nil {
		return "", fmt.Errorf("auth: touch credential: %w", err)
	}
	return cl.UserID, nil
}

// Revoke invalidates the credential referenced by tokenString. Revoking an
// already-invalid token is not an error.
func (s *Service) Revoke(tokenString string) error {
	cl := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, cl, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || cl.ID == "" {
		return nil
	}
	return s.store.RevokeCredential(cl.ID)
}
