package auth

import "errors"

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrEmailTaken is returned when the email is already registered.
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrInvalidToken is returned for unusable access or refresh tokens.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)
