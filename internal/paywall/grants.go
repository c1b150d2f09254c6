package paywall

import (
	"context"
	"errors"
	"sync"
	"time"

	"satpress.org/internal/ids"
)

// Grant records one settled payment that unlocks content. In per-post
// gating PostID names the unlocked article; in per-author gating PostID is
// empty and the grant covers everything by the author for the window.
type Grant struct {
	ID         string    `json:"id"`
	ReaderID   string    `json:"reader_id"`
	AuthorID   string    `json:"author_id"`
	PostID     string    `json:"post_id,omitempty"`
	Hash       string    `json:"hash"`
	AmountSats int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

// GrantQuery selects grants. PostID empty matches per-author grants only;
// Since bounds CreatedAt from below.
type GrantQuery struct {
	ReaderID string
	AuthorID string
	PostID   string
	Since    time.Time
}

// GrantStore is the grant ledger. Create must be idempotent on the
// uniqueness key (reader+post, or reader+author for per-author grants):
// a concurrent duplicate returns the already-stored grant, not an error.
// That storage constraint is the sole double-grant guard.
type GrantStore interface {
	Create(ctx context.Context, g *Grant) (*Grant, error)
	Find(ctx context.Context, q GrantQuery) (*Grant, error)
	ListByReader(ctx context.Context, readerID string) ([]*Grant, error)
}

// ErrGrantNotFound is returned by Find when no grant matches.
var ErrGrantNotFound = errors.New("paywall: grant not found")

// InMemoryGrants implements GrantStore for tests and demo mode.
type InMemoryGrants struct {
	mu     sync.Mutex
	grants []*Grant
}

var _ GrantStore = (*InMemoryGrants)(nil)

func NewInMemoryGrants() *InMemoryGrants { return &InMemoryGrants{} }

func (s *InMemoryGrants) Create(ctx context.Context, g *Grant) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if existing.ReaderID != g.ReaderID {
			continue
		}
		if g.PostID == "" && existing.PostID == "" && existing.AuthorID == g.AuthorID {
			cp := *existing
			return &cp, nil
		}
		if g.PostID != "" && existing.PostID == g.PostID {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *g
	if cp.ID == "" {
		cp.ID = ids.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.grants = append(s.grants, &cp)
	out := cp
	return &out, nil
}

func (s *InMemoryGrants) Find(ctx context.Context, q GrantQuery) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if !grantMatches(g, q) {
			continue
		}
		cp := *g
		return &cp, nil
	}
	return nil, ErrGrantNotFound
}

func (s *InMemoryGrants) ListByReader(ctx context.Context, readerID string) ([]*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Grant
	for _, g := range s.grants {
		if g.ReaderID == readerID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func grantMatches(g *Grant, q GrantQuery) bool {
	if q.ReaderID != "" && g.ReaderID != q.ReaderID {
		return false
	}
	if q.AuthorID != "" && g.AuthorID != q.AuthorID {
		return false
	}
	if g.PostID != q.PostID {
		return false
	}
	if !q.Since.IsZero() && g.CreatedAt.Before(q.Since) {
		return false
	}
	return true
}
