package authz

import "errors"

var (
	ErrMalformedToken       = errors.New("authz: malformed token")
	ErrInvalidToken         = errors.New("authz: invalid token")
	ErrValidatorUnavailable = errors.New("authz: identity validator unavailable")
	ErrTooManySessions      = errors.New("authz: too many sessions for user")
	ErrMissingClientID      = errors.New("authz: missing client id")
	ErrMissingUserID        = errors.New("authz: missing user id")
)
