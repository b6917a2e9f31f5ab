package user

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrEmailRequired      = errors.New("email is required")
	ErrInvalidRole        = errors.New("invalid user role")
)
