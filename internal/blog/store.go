package blog

import "context"

// Store describes persistence operations required by the platform.
type Store interface {
	Users(ctx context.Context) UserStore
	Posts(ctx context.Context) PostStore
	Nodes(ctx context.Context) NodeStore
	Subscriptions(ctx context.Context) SubscriptionStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByName(ctx context.Context, name string) (*User, error)
	Update(ctx context.Context, u *User) error
	SetNode(ctx context.Context, userID, nodeID string) error
}

// PostFilter selects posts for listing. Published posts are returned
// unless Drafts is set; Drafts requires AuthorID.
type PostFilter struct {
	AuthorID  string
	AuthorIDs []string
	FreeOnly  bool
	Drafts    bool
	Page      int
	Limit     int
}

// PostStore manages articles.
type PostStore interface {
	Create(ctx context.Context, p *Post) error
	Find(ctx context.Context, id string) (*Post, error)
	Update(ctx context.Context, p *Post) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f PostFilter) ([]*Post, error)
}

// NodeStore manages durable node records.
type NodeStore interface {
	Create(ctx context.Context, n *NodeRecord) error
	Find(ctx context.Context, id string) (*NodeRecord, error)
	FindByUser(ctx context.Context, userID string) (*NodeRecord, error)
	FindByToken(ctx context.Context, token string) (*NodeRecord, error)
	DeleteByToken(ctx context.Context, token string) error
	List(ctx context.Context) ([]*NodeRecord, error)
}

// SubscriptionStore manages reader-follows-author relations.
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error
	ListByReader(ctx context.Context, readerID string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}
