package blog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"satpress.org/internal/ids"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and the storeless demo mode; Postgres is the durable counterpart.
type InMemory struct {
	mu    sync.RWMutex
	users map[string]*User
	posts map[string]*Post
	nodes map[string]*NodeRecord
	subs  map[string]*Subscription
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users: make(map[string]*User),
		posts: make(map[string]*Post),
		nodes: make(map[string]*NodeRecord),
		subs:  make(map[string]*Subscription),
	}
}

func (s *InMemory) Users(ctx context.Context) UserStore { return &memUsers{s: s} }
func (s *InMemory) Posts(ctx context.Context) PostStore { return &memPosts{s: s} }
func (s *InMemory) Nodes(ctx context.Context) NodeStore { return &memNodes{s: s} }
func (s *InMemory) Subscriptions(ctx context.Context) SubscriptionStore {
	return &memSubs{s: s}
}

// User store ---------------------------------------------------------------

type memUsers struct{ s *InMemory }

func (m *memUsers) Create(ctx context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.users {
		if strings.EqualFold(existing.Name, u.Name) {
			return ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.s.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByName(ctx context.Context, name string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, u := range m.s.users {
		if strings.EqualFold(u.Name, name) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) Update(ctx context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	existing, ok := m.s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Blog = u.Blog
	existing.SubscriptionPriceSats = u.SubscriptionPriceSats
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memUsers) SetNode(ctx context.Context, userID, nodeID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.NodeID = nodeID
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Post store ---------------------------------------------------------------

type memPosts struct{ s *InMemory }

func (m *memPosts) Create(ctx context.Context, p *Post) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.s.posts[p.ID] = &cp
	return nil
}

func (m *memPosts) Find(ctx context.Context, id string) (*Post, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	p, ok := m.s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPosts) Update(ctx context.Context, p *Post) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	existing, ok := m.s.posts[p.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = p.Title
	existing.Content = p.Content
	existing.PriceSats = p.PriceSats
	existing.Published = p.Published
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memPosts) Delete(ctx context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.posts, id)
	return nil
}

func (m *memPosts) List(ctx context.Context, f PostFilter) ([]*Post, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	var matched []*Post
	for _, p := range m.s.posts {
		if !postMatches(p, f) {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, f.Page, f.Limit), nil
}

func postMatches(p *Post, f PostFilter) bool {
	if f.Drafts {
		if p.Published || p.AuthorID != f.AuthorID {
			return false
		}
		return true
	}
	if !p.Published {
		return false
	}
	if f.AuthorID != "" && p.AuthorID != f.AuthorID {
		return false
	}
	if len(f.AuthorIDs) > 0 {
		found := false
		for _, id := range f.AuthorIDs {
			if p.AuthorID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FreeOnly && p.PriceSats != 0 {
		return false
	}
	return true
}

func paginate(posts []*Post, page, limit int) []*Post {
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(posts) {
		return nil
	}
	end := start + limit
	if end > len(posts) {
		end = len(posts)
	}
	return posts[start:end]
}

// Node store ---------------------------------------------------------------

type memNodes struct{ s *InMemory }

func (m *memNodes) Create(ctx context.Context, n *NodeRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.nodes {
		if existing.UserID == n.UserID || existing.Token == n.Token {
			return ErrAlreadyExists
		}
	}
	if n.ID == "" {
		n.ID = ids.New()
	}
	n.CreatedAt = time.Now().UTC()
	cp := *n
	m.s.nodes[n.ID] = &cp
	return nil
}

func (m *memNodes) Find(ctx context.Context, id string) (*NodeRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	n, ok := m.s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memNodes) FindByUser(ctx context.Context, userID string) (*NodeRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, n := range m.s.nodes {
		if n.UserID == userID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memNodes) FindByToken(ctx context.Context, token string) (*NodeRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, n := range m.s.nodes {
		if n.Token == token {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memNodes) DeleteByToken(ctx context.Context, token string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, n := range m.s.nodes {
		if n.Token == token {
			delete(m.s.nodes, id)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memNodes) List(ctx context.Context) ([]*NodeRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]*NodeRecord, 0, len(m.s.nodes))
	for _, n := range m.s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Subscription store -------------------------------------------------------

type memSubs struct{ s *InMemory }

func (m *memSubs) Create(ctx context.Context, sub *Subscription) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.subs {
		if existing.ReaderID == sub.ReaderID && existing.AuthorID == sub.AuthorID {
			return ErrAlreadyExists
		}
	}
	if sub.ID == "" {
		sub.ID = ids.New()
	}
	sub.CreatedAt = time.Now().UTC()
	cp := *sub
	m.s.subs[sub.ID] = &cp
	return nil
}

func (m *memSubs) ListByReader(ctx context.Context, readerID string) ([]*Subscription, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.s.subs {
		if sub.ReaderID == readerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memSubs) Delete(ctx context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.subs, id)
	return nil
}
