// Package paywall implements payment-gated access to posts: issuing
// invoices against the author's payment node, confirming settlement and
// recording time-boxed access grants.
package paywall

import (
	"context"
	"errors"
	"time"

	"satpress.org/internal/blog"
	"satpress.org/internal/lightning"
	"satpress.org/internal/obs"
)

// GateMode selects what one settled payment unlocks.
type GateMode string

const (
	// GatePerPost unlocks the single paid-for post.
	GatePerPost GateMode = "post"
	// GatePerAuthor unlocks everything by the author at the author's
	// subscription price.
	GatePerAuthor GateMode = "author"
)

const (
	defaultWindow      = 30 * 24 * time.Hour
	defaultCallTimeout = 30 * time.Second
)

var errHashRequired = errors.New("paywall: invoice hash is required")

// Service runs the gated-access workflow on top of the content store, the
// grant ledger and the node connection manager.
type Service struct {
	store       blog.Store
	grants      GrantStore
	mgr         *lightning.Manager
	mode        GateMode
	window      time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithGatingMode switches between per-post and per-author gating.
func WithGatingMode(mode GateMode) Option {
	return func(s *Service) {
		if mode == GatePerAuthor {
			s.mode = GatePerAuthor
		}
	}
}

// WithWindow overrides the 30-day grant validity window.
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock injects the time source. Tests use it to move past the window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCallTimeout bounds node adapter calls made by the workflow.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewService constructs the workflow service.
func NewService(store blog.Store, grants GrantStore, mgr *lightning.Manager, opts ...Option) *Service {
	s := &Service{
		store:       store,
		grants:      grants,
		mgr:         mgr,
		mode:        GatePerPost,
		window:      defaultWindow,
		callTimeout: defaultCallTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the configured gating mode.
func (s *Service) Mode() GateMode { return s.mode }

// Window reports the configured grant validity window.
func (s *Service) Window() time.Duration { return s.window }

// RequestInvoice issues a payment invoice for a post. Preconditions run in
// order: the post exists, the payer is not its author, no valid grant
// already covers it, and the author's node is connected. Nothing is
// persisted; the invoice hash is the reader's claim ticket.
func (s *Service) RequestInvoice(ctx context.Context, payerID, postID string) (lightning.Invoice, error) {
	post, err := s.store.Posts(ctx).Find(ctx, postID)
	if err != nil {
		return lightning.Invoice{}, err
	}
	if post.AuthorID == payerID {
		return lightning.Invoice{}, ErrSelfPayment
	}

	price, err := s.resolvePrice(ctx, post)
	if err != nil {
		return lightning.Invoice{}, err
	}
	if price == 0 {
		return lightning.Invoice{}, ErrFreeContent
	}

	_, err = s.grants.Find(ctx, GrantQuery{
		ReaderID: payerID,
		AuthorID: post.AuthorID,
		PostID:   s.grantPostID(post.ID),
		Since:    s.now().Add(-s.window),
	})
	if err == nil {
		return lightning.Invoice{}, ErrAlreadyGranted
	}
	if !errors.Is(err, ErrGrantNotFound) {
		return lightning.Invoice{}, err
	}

	client, err := s.nodeClient(ctx, post.AuthorID)
	if err != nil {
		return lightning.Invoice{}, err
	}

	var inv lightning.Invoice
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		inv, err = client.AddInvoice(ctx, price)
		return err
	})
	if err != nil {
		return lightning.Invoice{}, err
	}
	obs.InvoicesIssuedTotal.Inc()
	return inv, nil
}

// ConfirmPayment verifies settlement of an invoice against the author's
// node and records the grant. The grant ledger's uniqueness constraint is
// the sole concurrency guard: when two confirmations race, both succeed and
// exactly one grant exists.
func (s *Service) ConfirmPayment(ctx context.Context, payerID, postID, hash string) (*Grant, error) {
	if hash == "" {
		return nil, errHashRequired
	}
	post, err := s.store.Posts(ctx).Find(ctx, postID)
	if err != nil {
		return nil, err
	}
	client, err := s.nodeClient(ctx, post.AuthorID)
	if err != nil {
		return nil, err
	}

	var status lightning.InvoiceStatus
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = client.LookupInvoice(ctx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !status.Settled {
		return nil, ErrPaymentNotSettled
	}

	return s.grants.Create(ctx, &Grant{
		ReaderID:   payerID,
		AuthorID:   post.AuthorID,
		PostID:     s.grantPostID(post.ID),
		Hash:       hash,
		AmountSats: status.AmountPaidSats,
		CreatedAt:  s.now(),
	})
}

// CheckAccess reports whether the payer may read the post. Pure ledger
// read, no network: authors always see their own posts, free posts are open
// to everyone, and otherwise a grant inside the validity window is needed.
func (s *Service) CheckAccess(ctx context.Context, payerID, postID string) (bool, error) {
	post, err := s.store.Posts(ctx).Find(ctx, postID)
	if err != nil {
		return false, err
	}
	if post.AuthorID == payerID {
		return true, nil
	}
	price, err := s.resolvePrice(ctx, post)
	if err != nil {
		return false, err
	}
	if price == 0 {
		return true, nil
	}

	_, err = s.grants.Find(ctx, GrantQuery{
		ReaderID: payerID,
		AuthorID: post.AuthorID,
		PostID:   s.grantPostID(post.ID),
		Since:    s.now().Add(-s.window),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrGrantNotFound) {
		return false, nil
	}
	return false, err
}

// Grants lists the payer's grants, newest state of the ledger as stored.
func (s *Service) Grants(ctx context.Context, readerID string) ([]*Grant, error) {
	return s.grants.ListByReader(ctx, readerID)
}

func (s *Service) resolvePrice(ctx context.Context, post *blog.Post) (int64, error) {
	if s.mode == GatePerPost {
		return post.PriceSats, nil
	}
	author, err := s.store.Users(ctx).Find(ctx, post.AuthorID)
	if err != nil {
		return 0, err
	}
	return author.SubscriptionPriceSats, nil
}

// grantPostID is empty in per-author mode so the ledger's uniqueness key
// collapses to (reader, author).
func (s *Service) grantPostID(postID string) string {
	if s.mode == GatePerAuthor {
		return ""
	}
	return postID
}

func (s *Service) nodeClient(ctx context.Context, authorID string) (lightning.Client, error) {
	rec, err := s.store.Nodes(ctx).FindByUser(ctx, authorID)
	if err != nil {
		if errors.Is(err, blog.ErrNotFound) {
			return nil, ErrNodeNotConnected
		}
		return nil, err
	}
	client, err := s.mgr.Client(rec.Token)
	if err != nil {
		if errors.Is(err, lightning.ErrNotAuthorized) {
			return nil, ErrNodeNotConnected
		}
		return nil, err
	}
	return client, nil
}

// call bounds one adapter operation, surfacing a timeout as the node being
// unresponsive rather than the request being cancelled.
func (s *Service) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Join(lightning.ErrNodeUnresponsive, err)
	}
	return err
}
