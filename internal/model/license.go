package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// LicenseType selects the feature set and default duration of a license.
type LicenseType string

// License types.
const (
	LicenseTrial      LicenseType = "trial"
	LicenseBasic      LicenseType = "basic"
	LicensePro        LicenseType = "pro"
	LicenseEnterprise LicenseType = "enterprise"
	LicenseAdmin      LicenseType = "admin"
)

// Valid reports whether t is a known license type.
func (t LicenseType) Valid() bool {
	switch t {
	case LicenseTrial, LicenseBasic, LicensePro, LicenseEnterprise, LicenseAdmin:
		return true
	}
	return false
}

// LicenseStatus is the lifecycle state of a stored license.
type LicenseStatus string

// License statuses.
const (
	StatusActive    LicenseStatus = "active"
	StatusExpired   LicenseStatus = "expired"
	StatusSuspended LicenseStatus = "suspended"
	StatusRevoked   LicenseStatus = "revoked"
)

// CanTransitionTo reports whether the state machine allows s -> next.
// Revoked is terminal. Setting the current status again is allowed and is a no-op.
func (s LicenseStatus) CanTransitionTo(next LicenseStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusExpired || next == StatusSuspended || next == StatusRevoked
	case StatusExpired:
		return next == StatusActive || next == StatusSuspended || next == StatusRevoked
	case StatusSuspended:
		return next == StatusActive || next == StatusRevoked
	default:
		return false
	}
}

// License is a stored (or, when Ephemeral, decoded-only) license record.
type License struct {
	ID              uuid.UUID
	Key             string // DLNK-XXXX-XXXX-XXXX-XXXX; empty for ephemeral records
	OwnerUserID     uuid.UUID
	Type            LicenseType
	Status          LicenseStatus
	BoundHardwareID string
	Features        []string // sorted
	MaxDevices      int
	OwnerName       string
	Email           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UpdatedAt       time.Time
	Ephemeral       bool
}

// EffectiveStatus re-materializes expiry: an active license past ExpiresAt reads as expired.
func (l *License) EffectiveStatus(now time.Time) LicenseStatus {
	if l.Status == StatusActive && !now.Before(l.ExpiresAt) {
		return StatusExpired
	}
	return l.Status
}

// HasFeature reports whether f is granted by the license.
func (l *License) HasFeature(f string) bool {
	for _, x := range l.Features {
		if x == f {
			return true
		}
	}
	return false
}

// IssuedLicense carries both key forms produced at issuance.
type IssuedLicense struct {
	FormattedKey string
	SealedKey    string
	Record       License
}

// ValidationWarning is a non-fatal note attached to a successful validation.
type ValidationWarning string

// WarnExpiringSoon is attached when few days remain.
const WarnExpiringSoon ValidationWarning = "ExpiringSoon"

// ValidationResult is a successful validation outcome.
type ValidationResult struct {
	Record        License
	Features      []string
	DaysRemaining int
	Warning       ValidationWarning
	Ephemeral     bool
	Lease         string // signed offline lease, empty for ephemeral records
}

// ActivationOutcome reports what an activation attempt did to the store.
type ActivationOutcome struct {
	Added bool // a new activation row was inserted
	Bound bool // the license was bound to the hardware ID
	Count int  // activations after the attempt
}
