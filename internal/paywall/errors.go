package paywall

import "errors"

var (
	// ErrSelfPayment rejects an author buying access to their own post.
	ErrSelfPayment = errors.New("paywall: authors cannot pay for their own posts")
	// ErrAlreadyGranted means a valid grant already covers the content.
	ErrAlreadyGranted = errors.New("paywall: access already granted")
	// ErrPaymentNotSettled means the referenced invoice has not been paid.
	ErrPaymentNotSettled = errors.New("paywall: invoice not settled")
	// ErrNodeNotConnected means the author has no live payment-node
	// connection to issue or verify invoices against.
	ErrNodeNotConnected = errors.New("paywall: author payment node not connected")
	// ErrFreeContent means the content carries no price and needs no invoice.
	ErrFreeContent = errors.New("paywall: content is free")
)
