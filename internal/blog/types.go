package blog

import (
	"errors"
	"time"
)

// User is an author and/or reader. Authors optionally carry a linked
// payment node and a subscription price in satoshis.
type User struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Blog                  string    `json:"blog"`
	PasswordHash          string    `json:"-"`
	NodeID                string    `json:"node_id,omitempty"`
	SubscriptionPriceSats int64     `json:"subscription_price"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Post is one article. PriceSats of zero means free.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	PriceSats int64     `json:"price"`
	Published bool      `json:"published"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeRecord is the durable side of an author's payment-node connection:
// the volatile in-memory connection is rebuilt from it at startup. At most
// one per author.
type NodeRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	Host      string    `json:"host"`
	Cert      string    `json:"-"`
	Macaroon  string    `json:"-"`
	Pubkey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a free reader-follows-author relation, distinct from a
// paid access grant.
type Subscription struct {
	ID        string    `json:"id"`
	ReaderID  string    `json:"reader_id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound      = errors.New("blog: not found")
	ErrAlreadyExists = errors.New("blog: already exists")
)
