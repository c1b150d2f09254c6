// Package pg is the Postgres implementation of the platform's stores:
// users, posts, node records, subscriptions, payment grants and refresh
// tokens.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"satpress.org/internal/auth"
	"satpress.org/internal/blog"
	"satpress.org/internal/ids"
	"satpress.org/internal/paywall"
)

type Store struct {
	db *sql.DB
}

var _ blog.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users(ctx context.Context) blog.UserStore { return &users{db: s.db} }
func (s *Store) Posts(ctx context.Context) blog.PostStore { return &posts{db: s.db} }
func (s *Store) Nodes(ctx context.Context) blog.NodeStore { return &nodes{db: s.db} }
func (s *Store) Subscriptions(ctx context.Context) blog.SubscriptionStore {
	return &subscriptions{db: s.db}
}

// Grants exposes the payment grant ledger.
func (s *Store) Grants() paywall.GrantStore { return &grants{db: s.db} }

// RefreshTokens exposes refresh token persistence.
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &refreshTokens{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- users ---

type users struct{ db *sql.DB }

const userColumns = `id, name, blog, password_hash, coalesce(node_id,''), subscription_price, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*blog.User, error) {
	var u blog.User
	err := row.Scan(&u.ID, &u.Name, &u.Blog, &u.PasswordHash, &u.NodeID, &u.SubscriptionPriceSats, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *users) Create(ctx context.Context, u *blog.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, name, blog, password_hash, subscription_price, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, u.ID, u.Name, u.Blog, u.PasswordHash, u.SubscriptionPriceSats, now)
	if isUniqueViolation(err) {
		return blog.ErrAlreadyExists
	}
	return err
}

func (s *users) Find(ctx context.Context, id string) (*blog.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *users) FindByName(ctx context.Context, name string) (*blog.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where lower(name)=lower($1)`, name))
}

func (s *users) Update(ctx context.Context, u *blog.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set blog=$2, subscription_price=$3, updated_at=now() where id=$1
	`, u.ID, u.Blog, u.SubscriptionPriceSats)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *users) SetNode(ctx context.Context, userID, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set node_id=nullif($2,''), updated_at=now() where id=$1
	`, userID, nodeID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- posts ---

type posts struct{ db *sql.DB }

const postColumns = `id, author_id, title, content, price, published, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*blog.Post, error) {
	var p blog.Post
	err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Content, &p.PriceSats, &p.Published, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *posts) Create(ctx context.Context, p *blog.Post) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		insert into posts(id, author_id, title, content, price, published, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$7)
	`, p.ID, p.AuthorID, p.Title, p.Content, p.PriceSats, p.Published, now)
	return err
}

func (s *posts) Find(ctx context.Context, id string) (*blog.Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, `select `+postColumns+` from posts where id=$1`, id))
}

func (s *posts) Update(ctx context.Context, p *blog.Post) error {
	res, err := s.db.ExecContext(ctx, `
		update posts set title=$2, content=$3, price=$4, published=$5, updated_at=now() where id=$1
	`, p.ID, p.Title, p.Content, p.PriceSats, p.Published)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *posts) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from posts where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *posts) List(ctx context.Context, f blog.PostFilter) ([]*blog.Post, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Drafts {
		conds = append(conds, "published = false", "author_id = "+arg(f.AuthorID))
	} else {
		conds = append(conds, "published = true")
		if f.AuthorID != "" {
			conds = append(conds, "author_id = "+arg(f.AuthorID))
		}
		if len(f.AuthorIDs) > 0 {
			conds = append(conds, "author_id = any("+arg(f.AuthorIDs)+")")
		}
		if f.FreeOnly {
			conds = append(conds, "price = 0")
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	query := fmt.Sprintf(`
		select %s from posts
		where %s
		order by created_at desc, id desc
		limit %s offset %s
	`, postColumns, strings.Join(conds, " and "), arg(limit), arg((page-1)*limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*blog.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- node records ---

type nodes struct{ db *sql.DB }

const nodeColumns = `id, user_id, token, host, cert, macaroon, pubkey, created_at`

func scanNode(row interface{ Scan(...any) error }) (*blog.NodeRecord, error) {
	var n blog.NodeRecord
	err := row.Scan(&n.ID, &n.UserID, &n.Token, &n.Host, &n.Cert, &n.Macaroon, &n.Pubkey, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *nodes) Create(ctx context.Context, n *blog.NodeRecord) error {
	if n.ID == "" {
		n.ID = ids.New()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		insert into lnd_nodes(id, user_id, token, host, cert, macaroon, pubkey, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, n.ID, n.UserID, n.Token, n.Host, n.Cert, n.Macaroon, n.Pubkey, n.CreatedAt)
	if isUniqueViolation(err) {
		return blog.ErrAlreadyExists
	}
	return err
}

func (s *nodes) Find(ctx context.Context, id string) (*blog.NodeRecord, error) {
	return scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from lnd_nodes where id=$1`, id))
}

func (s *nodes) FindByUser(ctx context.Context, userID string) (*blog.NodeRecord, error) {
	return scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from lnd_nodes where user_id=$1`, userID))
}

func (s *nodes) FindByToken(ctx context.Context, token string) (*blog.NodeRecord, error) {
	return scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from lnd_nodes where token=$1`, token))
}

func (s *nodes) DeleteByToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `delete from lnd_nodes where token=$1`, token)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *nodes) List(ctx context.Context) ([]*blog.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `select `+nodeColumns+` from lnd_nodes order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*blog.NodeRecord
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- subscriptions ---

type subscriptions struct{ db *sql.DB }

func (s *subscriptions) Create(ctx context.Context, sub *blog.Subscription) error {
	if sub.ID == "" {
		sub.ID = ids.New()
	}
	sub.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		insert into subscriptions(id, reader_id, author_id, created_at)
		values ($1,$2,$3,$4)
	`, sub.ID, sub.ReaderID, sub.AuthorID, sub.CreatedAt)
	if isUniqueViolation(err) {
		return blog.ErrAlreadyExists
	}
	return err
}

func (s *subscriptions) ListByReader(ctx context.Context, readerID string) ([]*blog.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, reader_id, author_id, created_at
		from subscriptions where reader_id=$1 order by created_at asc
	`, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*blog.Subscription
	for rows.Next() {
		var sub blog.Subscription
		if err := rows.Scan(&sub.ID, &sub.ReaderID, &sub.AuthorID, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *subscriptions) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from subscriptions where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- payment grants ---

type grants struct{ db *sql.DB }

const grantColumns = `id, reader_id, author_id, post_id, hash, amount, created_at`

func scanGrant(row interface{ Scan(...any) error }) (*paywall.Grant, error) {
	var g paywall.Grant
	err := row.Scan(&g.ID, &g.ReaderID, &g.AuthorID, &g.PostID, &g.Hash, &g.AmountSats, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paywall.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a grant, deferring to the unique indexes for concurrent
// duplicates: on conflict nothing is written and the winning row is
// re-read, so racing confirmations converge on one grant.
func (s *grants) Create(ctx context.Context, g *paywall.Grant) (*paywall.Grant, error) {
	id := g.ID
	if id == "" {
		id = ids.New()
	}
	created := g.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into payments(id, reader_id, author_id, post_id, hash, amount, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict do nothing
	`, id, g.ReaderID, g.AuthorID, g.PostID, g.Hash, g.AmountSats, created)
	if err != nil {
		return nil, err
	}

	if g.PostID != "" {
		return scanGrant(s.db.QueryRowContext(ctx, `
			select `+grantColumns+` from payments where reader_id=$1 and post_id=$2
		`, g.ReaderID, g.PostID))
	}
	return scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+` from payments where reader_id=$1 and author_id=$2 and post_id=''
	`, g.ReaderID, g.AuthorID))
}

func (s *grants) Find(ctx context.Context, q paywall.GrantQuery) (*paywall.Grant, error) {
	var (
		conds = []string{"post_id = $1"}
		args  = []any{q.PostID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.ReaderID != "" {
		conds = append(conds, "reader_id = "+arg(q.ReaderID))
	}
	if q.AuthorID != "" {
		conds = append(conds, "author_id = "+arg(q.AuthorID))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(q.Since))
	}
	query := `select ` + grantColumns + ` from payments where ` + strings.Join(conds, " and ") + ` limit 1`
	return scanGrant(s.db.QueryRowContext(ctx, query, args...))
}

func (s *grants) ListByReader(ctx context.Context, readerID string) ([]*paywall.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from payments where reader_id=$1 order by created_at desc
	`, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*paywall.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- refresh tokens ---

type refreshTokens struct{ db *sql.DB }

func (s *refreshTokens) Create(ctx context.Context, rec *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, revoked, created_at)
		values ($1,$2,$3,$4,false,$5)
	`, rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *refreshTokens) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var rec auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked, created_at
		from refresh_tokens where id=$1
	`, id).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *refreshTokens) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where id=$1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return auth.ErrInvalidToken
	}
	return nil
}

func (s *refreshTokens) RevokeForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where user_id=$1`, userID)
	return err
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return blog.ErrNotFound
	}
	return nil
}
