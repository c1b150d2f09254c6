package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSessionIssueAndRotate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRefreshTokens()
	sessions := NewSessions(store)

	raw, rec, err := sessions.Issue(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserID != "user-1" || rec.Revoked {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !strings.HasPrefix(raw, rec.ID+".") {
		t.Fatalf("raw credential should embed the id: %q", raw)
	}
	if strings.Contains(rec.TokenHash, strings.TrimPrefix(raw, rec.ID+".")) {
		t.Fatal("secret must not be stored verbatim")
	}

	newRaw, newRec, err := sessions.Rotate(ctx, raw)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newRec.UserID != "user-1" || newRaw == raw {
		t.Fatalf("unexpected rotation result: %+v", newRec)
	}

	// The old credential is dead after rotation.
	if _, _, err := sessions.Rotate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for rotated-out credential, got %v", err)
	}
}

func TestSessionRejectsTamperedSecret(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRefreshTokens()
	sessions := NewSessions(store)

	raw, rec, err := sessions.Issue(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	tampered := rec.ID + "." + strings.Repeat("x", len(raw)-len(rec.ID)-1)
	if _, _, err := sessions.Rotate(ctx, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	// Replay with a bad secret burns the stored token.
	if _, _, err := sessions.Rotate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected original credential revoked, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sessions := NewSessions(NewInMemoryRefreshTokens(),
		WithRefreshTTL(time.Hour),
		WithSessionClock(func() time.Time { return now }))

	raw, _, err := sessions.Issue(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	if _, _, err := sessions.Rotate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired credential to fail, got %v", err)
	}
}

func TestSessionRevokeAll(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRefreshTokens()
	sessions := NewSessions(store)

	raw1, _, _ := sessions.Issue(ctx, "user-1")
	raw2, _, _ := sessions.Issue(ctx, "user-1")
	other, _, _ := sessions.Issue(ctx, "user-2")

	if err := sessions.RevokeAll(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	for _, raw := range []string{raw1, raw2} {
		if _, _, err := sessions.Rotate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected revoked credential to fail, got %v", err)
		}
	}
	if _, _, err := sessions.Rotate(ctx, other); err != nil {
		t.Fatalf("other user's credential should survive: %v", err)
	}
}
