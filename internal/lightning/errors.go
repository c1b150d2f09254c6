package lightning

import "errors"

var (
	// ErrNotAuthorized means the access token is unknown to the registry.
	ErrNotAuthorized = errors.New("lightning: not authorized, no connected node for token")
	// ErrValidationFailed marks a failed connection probe. The underlying
	// node error is joined so callers can still inspect it.
	ErrValidationFailed = errors.New("lightning: node validation failed")
	// ErrNodeUnresponsive marks an adapter call that exceeded the bounded
	// per-call timeout.
	ErrNodeUnresponsive = errors.New("lightning: node unresponsive")
)
