package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"satpress.org/internal/ids"
)

// DefaultRefreshTTL is the refresh token lifetime used by the API.
const DefaultRefreshTTL = 14 * 24 * time.Hour

// RefreshToken is the stored side of a refresh credential. Only the
// sha256 of the secret half is kept at rest.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	RevokeForUser(ctx context.Context, userID string) error
}

// Sessions issues, rotates and revokes refresh tokens. The raw credential
// handed to clients is "<id>.<secret>"; the secret never touches storage.
type Sessions struct {
	store RefreshTokenStore
	ttl   time.Duration
	now   func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Sessions) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessions constructs the session manager.
func NewSessions(store RefreshTokenStore, opts ...SessionOption) *Sessions {
	s := &Sessions{
		store: store,
		ttl:   DefaultRefreshTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a fresh refresh token for the user and returns the raw
// credential to hand to the client.
func (s *Sessions) Issue(ctx context.Context, userID string) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	sec := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(sec))
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: s.now().Add(s.ttl),
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return rec.ID + "." + sec, rec, nil
}

// Rotate validates a raw refresh credential, revokes it and issues a
// replacement. A secret mismatch on a known id revokes the stored token:
// someone is replaying credentials.
func (s *Sessions) Rotate(ctx context.Context, raw string) (string, *RefreshToken, error) {
	rec, err := s.verify(ctx, raw)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.MarkRevoked(ctx, rec.ID); err != nil {
		return "", nil, err
	}
	return s.Issue(ctx, rec.UserID)
}

// Revoke invalidates one raw refresh credential.
func (s *Sessions) Revoke(ctx context.Context, raw string) error {
	rec, err := s.verify(ctx, raw)
	if err != nil {
		return err
	}
	return s.store.MarkRevoked(ctx, rec.ID)
}

// RevokeAll invalidates every refresh token belonging to the user.
func (s *Sessions) RevokeAll(ctx context.Context, userID string) error {
	return s.store.RevokeForUser(ctx, userID)
}

func (s *Sessions) verify(ctx context.Context, raw string) (*RefreshToken, error) {
	id, sec, err := splitRefreshToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(sec))
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hex.EncodeToString(sum[:]))) != 1 {
		_ = s.store.MarkRevoked(ctx, rec.ID)
		return nil, ErrInvalidToken
	}
	return rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

// InMemoryRefreshTokens implements RefreshTokenStore for tests and demo mode.
type InMemoryRefreshTokens struct {
	mu   sync.Mutex
	recs map[string]*RefreshToken
}

var _ RefreshTokenStore = (*InMemoryRefreshTokens)(nil)

func NewInMemoryRefreshTokens() *InMemoryRefreshTokens {
	return &InMemoryRefreshTokens{recs: make(map[string]*RefreshToken)}
}

func (s *InMemoryRefreshTokens) Create(ctx context.Context, rec *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *InMemoryRefreshTokens) Find(ctx context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryRefreshTokens) MarkRevoked(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrInvalidToken
	}
	rec.Revoked = true
	return nil
}

func (s *InMemoryRefreshTokens) RevokeForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.UserID == userID {
			rec.Revoked = true
		}
	}
	return nil
}
