package auth

import "errors"

var (
	ErrInvalidIdentifier = errors.New("auth: invalid national id")
	ErrNewPatient        = errors.New("auth: no patient registered with this national id")
	ErrEmailRequired     = errors.New("auth: email required to send the code")
	ErrInvalidCode       = errors.New("auth: invalid or missing code")
	ErrCodeExpired       = errors.New("auth: code expired")
	ErrCodeMismatch      = errors.New("auth: code does not match")
	ErrTooManyAttempts   = errors.New("auth: too many attempts")
	ErrInvalidSession    = errors.New("auth: invalid session")
	ErrInvalidSignup     = errors.New("auth: name, email and national id are required")
)
