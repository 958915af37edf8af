package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeviceCapError reports that a license already has its maximum number of activations.
type DeviceCapError struct {
	N   int
	Max int
}

func (e *DeviceCapError) Error() string {
	return fmt.Sprintf("device cap exceeded (%d/%d)", e.N, e.Max)
}

func (e *DeviceCapError) Unwrap() error { return ErrDeviceCap }

// LockedError reports an account lock and when it ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// BadPasswordError reports a password mismatch and how many attempts remain before a lock.
type BadPasswordError struct {
	Remaining int
}

func (e *BadPasswordError) Error() string {
	return fmt.Sprintf("bad password (%d attempts remaining)", e.Remaining)
}

func (e *BadPasswordError) Unwrap() error { return ErrBadPassword }

// WeakPasswordError names the strength rule a new password failed.
type WeakPasswordError struct {
	Rule string
}

func (e *WeakPasswordError) Error() string { return "weak password: " + e.Rule }

func (e *WeakPasswordError) Unwrap() error { return ErrWeakPassword }

// PolicyDeniedError names the issuance policy that refused a request.
type PolicyDeniedError struct {
	Policy string
}

func (e *PolicyDeniedError) Error() string { return "policy denied: " + e.Policy }

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// TransientError wraps a store failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransient, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// domain lists sentinels that pass through Transient unchanged.
var domain = []error{
	ErrNotFound, ErrAlreadyExists, ErrInvalidTransition, ErrUnauthorized,
	ErrMalformedKey, ErrUnknownKey, ErrRevoked, ErrSuspended, ErrExpired,
	ErrHardwareMismatch, ErrDeviceCap, ErrPolicyDenied,
	ErrUnknownUser, ErrBadPassword, ErrBad2FA, ErrRequires2FA, ErrLocked,
	ErrDisabled, ErrWeakPassword, ErrInvalidRequest, ErrTransient,
}

// Transient wraps err as a TransientError unless it already carries a domain kind.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domain {
		if errors.Is(err, d) {
			return err
		}
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable store failure, deadlines included.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Kind returns the short taxonomy name of err, used in audit details and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedKey):
		return "MalformedKey"
	case errors.Is(err, ErrUnknownKey):
		return "UnknownKey"
	case errors.Is(err, ErrRevoked):
		return "Revoked"
	case errors.Is(err, ErrSuspended):
		return "Suspended"
	case errors.Is(err, ErrExpired):
		return "Expired"
	case errors.Is(err, ErrDeviceCap):
		return "DeviceCapExceeded"
	case errors.Is(err, ErrHardwareMismatch):
		return "HardwareMismatch"
	case errors.Is(err, ErrUnknownUser):
		return "UnknownUser"
	case errors.Is(err, ErrBadPassword):
		return "BadPassword"
	case errors.Is(err, ErrBad2FA):
		return "Bad2FA"
	case errors.Is(err, ErrRequires2FA):
		return "Requires2FA"
	case errors.Is(err, ErrLocked):
		return "Locked"
	case errors.Is(err, ErrDisabled):
		return "Disabled"
	case errors.Is(err, ErrWeakPassword):
		return "WeakPassword"
	case errors.Is(err, ErrPolicyDenied):
		return "PolicyDenied"
	case IsTransient(err):
		return "TransientError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	default:
		return "Internal"
	}
}

// PublicMessage returns the text safe to show an end user.
// Key lookups and credential failures are merged so they cannot be used as oracles.
func PublicMessage(err error) string {
	var (
		locked *LockedError
		capErr *DeviceCapError
		weak   *WeakPasswordError
		denied *PolicyDeniedError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedKey), errors.Is(err, ErrUnknownKey):
		return "License key is not valid."
	case errors.Is(err, ErrRevoked):
		return "License has been revoked."
	case errors.Is(err, ErrSuspended):
		return "License is suspended."
	case errors.Is(err, ErrExpired):
		return "License has expired."
	case errors.As(err, &capErr):
		return fmt.Sprintf("Device limit reached (%d of %d).", capErr.N, capErr.Max)
	case errors.Is(err, ErrHardwareMismatch):
		return "License is bound to another device."
	case errors.Is(err, ErrUnknownUser), errors.Is(err, ErrBadPassword), errors.Is(err, ErrBad2FA):
		return "Invalid credentials."
	case errors.Is(err, ErrRequires2FA):
		return "Two-factor code required."
	case errors.As(err, &locked):
		return "Account locked until " + locked.Until.UTC().Format(time.RFC3339) + "."
	case errors.Is(err, ErrDisabled):
		return "Account is disabled."
	case errors.As(err, &weak):
		return "Password is too weak: " + weak.Rule + "."
	case errors.As(err, &denied):
		return "Request denied by policy: " + denied.Policy + "."
	case IsTransient(err):
		return "Service temporarily unavailable, try again."
	default:
		return "Internal error."
	}
}
