package auth

import "errors"

var (
	ErrInvalidToken       = errors.New("unauthorized or invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters")
	ErrEmptySecret        = errors.New("jwt secret cannot be empty")
)
