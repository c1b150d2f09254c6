package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnauthorized indicates bad credentials.
	ErrUnauthorized = errors.New("auth: unauthorized")
)
