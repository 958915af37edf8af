// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
)

// UserRepository provides access to user accounts. Lookups expect folded principals.
type UserRepository interface {
	// Create inserts a new user; duplicate username or email yields errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByUsername loads a user by folded username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// GetByEmail loads a user by folded email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// RecordLoginFailure applies one failure to the user's counters under a row lock.
	RecordLoginFailure(ctx context.Context, id uuid.UUID, now time.Time, p limiter.Policy) (limiter.Outcome, error)
	// RecordLoginSuccess zeroes counters, clears the lock and stamps last_login and offline_until.
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, now, offlineUntil time.Time) error
	// UpdatePassword replaces the hash and salt and clears must_change_password.
	UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt []byte) error
	// SetActive enables or disables the account.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	// SetTOTPSecret sets or clears the TOTP secret.
	SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error
}

// LicenseRepository provides access to stored licenses.
type LicenseRepository interface {
	// Create inserts a license; duplicate key or ID yields errs.ErrAlreadyExists.
	Create(ctx context.Context, l *model.License) error
	// GetByKey loads a license by formatted key, re-materializing expiry.
	GetByKey(ctx context.Context, key string) (*model.License, error)
	// GetByID loads a license by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.License, error)
	// SetStatus moves a license along the state machine and reports whether it changed.
	SetStatus(ctx context.Context, key string, status model.LicenseStatus, now time.Time) (bool, error)
	// BindHardware sets bound_hardware_id iff it is currently empty.
	BindHardware(ctx context.Context, key, hwid string, now time.Time) (bool, error)
	// Extend adds days to expires_at and reactivates an expired license whose new expiry is in the future.
	Extend(ctx context.Context, key string, days int, now time.Time) (*model.License, error)
	// Activate locks the license, then admits, touches or refuses the hardware ID.
	Activate(ctx context.Context, req ActivationRequest) (model.ActivationOutcome, error)
	// Compact deletes revoked licenses and licenses expired before horizon.
	Compact(ctx context.Context, horizon time.Time) (int, error)
}

// ActivationRepository provides access to device activations.
type ActivationRepository interface {
	// Upsert inserts or refreshes last_seen_at/last_ip of an activation.
	Upsert(ctx context.Context, a model.Activation) error
	// Count returns the exact number of activations of a license.
	Count(ctx context.Context, licenseID uuid.UUID) (int, error)
	// List returns the activations of a license ordered by first activation.
	List(ctx context.Context, licenseID uuid.UUID) ([]model.Activation, error)
	// DeleteForLicense removes every activation of a license.
	DeleteForLicense(ctx context.Context, licenseID uuid.UUID) (int, error)
}

// RevocationRepository is the append-only revocation table.
type RevocationRepository interface {
	// Add appends a revocation entry.
	Add(ctx context.Context, e model.RevocationEntry) error
	// Get returns the first revocation entry of key or errs.ErrNotFound.
	Get(ctx context.Context, key string) (*model.RevocationEntry, error)
}

// SessionRepository stores login sessions.
type SessionRepository interface {
	// Create persists a new session.
	Create(ctx context.Context, s *model.Session) error
	// Get loads a session by ID.
	Get(ctx context.Context, id string) (*model.Session, error)
	// Touch sets last_activity; last writer wins.
	Touch(ctx context.Context, id string, now time.Time) error
	// Refresh extends expires_at of a session that is valid at now.
	Refresh(ctx context.Context, id string, expiresAt, now time.Time) (bool, error)
	// Invalidate marks one session invalid. Missing sessions are not an error.
	Invalidate(ctx context.Context, id string) error
	// InvalidateUser marks every session of a user invalid except exceptID (may be empty).
	InvalidateUser(ctx context.Context, userID uuid.UUID, exceptID string) (int, error)
	// InvalidateLicense marks every session bound to a license key invalid.
	InvalidateLicense(ctx context.Context, key string) (int, error)
	// DeleteExpired removes sessions whose expiry passed before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	// Append stores e, assigning the next sequence number.
	Append(ctx context.Context, e *model.AuditEvent) (int64, error)
	// Page returns up to limit events with seq > afterSeq in ascending order.
	Page(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEvent, error)
}

// OfflineCredentialRepository stores sealed credentials on the local machine.
type OfflineCredentialRepository interface {
	// Put stores or replaces the credential of c.Username.
	Put(ctx context.Context, c *model.OfflineCredential) error
	// Get loads the credential of a folded username.
	Get(ctx context.Context, username string) (*model.OfflineCredential, error)
	// Delete removes the credential; missing is not an error.
	Delete(ctx context.Context, username string) error
	// RecordFailure applies one offline failure to the credential's lockout envelope.
	RecordFailure(ctx context.Context, username string, now time.Time, p limiter.Policy) (limiter.Outcome, error)
	// ClearFailures resets the offline lockout envelope.
	ClearFailures(ctx context.Context, username string) error
}

// Tx groups the repositories of one atomic unit of work.
type Tx interface {
	Users() UserRepository
	Licenses() LicenseRepository
	Activations() ActivationRepository
	Revocations() RevocationRepository
	Sessions() SessionRepository
	Audit() AuditRepository
}

// Store runs units of work. Every repository call happens inside InTx:
// fn's writes commit together when it returns nil and are discarded otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
