// Package errs contains the closed error taxonomy shared by the store, the services and the transport.
package errs

import "errors"

// Repository-level sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition indicates a license status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnauthorized indicates a missing or invalid session on a protected call.
	ErrUnauthorized = errors.New("unauthorized")
)

// License kinds.
var (
	ErrMalformedKey     = errors.New("malformed license key")
	ErrUnknownKey       = errors.New("unknown license key")
	ErrRevoked          = errors.New("license revoked")
	ErrSuspended        = errors.New("license suspended")
	ErrExpired          = errors.New("license expired")
	ErrHardwareMismatch = errors.New("hardware mismatch")
	ErrDeviceCap        = errors.New("device cap exceeded")
	ErrPolicyDenied     = errors.New("policy denied")
)

// Credential kinds.
var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrBadPassword    = errors.New("bad password")
	ErrBad2FA         = errors.New("bad 2fa code")
	ErrRequires2FA    = errors.New("2fa code required")
	ErrLocked         = errors.New("account locked")
	ErrDisabled       = errors.New("account disabled")
	ErrWeakPassword   = errors.New("weak password")
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrTransient marks store failures that are safe to retry once.
var ErrTransient = errors.New("transient store failure")
