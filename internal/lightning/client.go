package lightning

import "context"

// NodeInfo identifies a payment node.
type NodeInfo struct {
	Pubkey string `json:"pubkey"`
	Alias  string `json:"alias"`
}

// Balance is the node's channel balance in satoshis.
type Balance struct {
	Sats int64 `json:"balance"`
}

// Invoice is produced by AddInvoice. It has no lifecycle of its own; the
// hash is the only part recorded later, inside a payment grant.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	Hash           string `json:"hash"`
	AmountSats     int64  `json:"amount"`
}

// InvoiceStatus is the settlement state reported by LookupInvoice.
type InvoiceStatus struct {
	Settled      bool  `json:"settled"`
	AmountPaidSats int64 `json:"amount_paid"`
}

// InvoiceEvent is a payer-agnostic settlement fact published on the bus.
type InvoiceEvent struct {
	Hash       string `json:"hash"`
	AmountPaid int64  `json:"amount_paid"`
	Pubkey     string `json:"pubkey"`
	Settled    bool   `json:"settled"`
}

// Client is the RPC contract a payment node must expose. The platform only
// consumes this interface; lndrest provides the concrete implementation.
type Client interface {
	GetInfo(ctx context.Context) (NodeInfo, error)
	ChannelBalance(ctx context.Context) (Balance, error)
	AddInvoice(ctx context.Context, amountSats int64) (Invoice, error)
	LookupInvoice(ctx context.Context, hash string) (InvoiceStatus, error)
	// SubscribeInvoices opens a long-lived settlement stream. The returned
	// channel closes when ctx ends or the stream breaks.
	SubscribeInvoices(ctx context.Context) (<-chan InvoiceEvent, error)
	Close() error
}

// Dialer opens a Client for one node's connection coordinates.
type Dialer func(ctx context.Context, host, cert, macaroon string) (Client, error)
