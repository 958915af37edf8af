// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the privilege level of a user.
type Role string

// Roles in ascending privilege.
const (
	RoleGuest      Role = "guest"
	RoleDeveloper  Role = "developer"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleDeveloper, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// IsAdmin reports whether r may call administrative operations.
func (r Role) IsAdmin() bool { return r == RoleAdmin || r == RoleSuperAdmin }

// User represents an account. Password material never leaves the store in views.
type User struct {
	ID                 uuid.UUID
	Username           string // folded, unique, immutable
	Email              string // folded, optional, unique if present
	PasswordHash       []byte // Argon2id(password, PasswordSalt)
	PasswordSalt       []byte
	Role               Role
	TOTPSecret         string // base32; non-empty means 2FA is required
	IsActive           bool
	FailedAttempts     int
	LockoutCount       int // consecutive lockouts, drives progressive duration
	LockedUntil        *time.Time
	MustChangePassword bool
	CreatedAt          time.Time
	LastLogin          *time.Time
	OfflineUntil       *time.Time
}

// View returns the externally visible projection of u.
func (u *User) View() UserView {
	return UserView{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		Role:               u.Role,
		TwoFactor:          u.TOTPSecret != "",
		IsActive:           u.IsActive,
		MustChangePassword: u.MustChangePassword,
		CreatedAt:          u.CreatedAt,
		LastLogin:          u.LastLogin,
	}
}

// UserView is a User without credentials or counters.
type UserView struct {
	ID                 uuid.UUID
	Username           string
	Email              string
	Role               Role
	TwoFactor          bool
	IsActive           bool
	MustChangePassword bool
	CreatedAt          time.Time
	LastLogin          *time.Time
}

// Activation is one hardware ID consuming a device slot of a license.
type Activation struct {
	LicenseID        uuid.UUID
	HardwareID       string
	FirstActivatedAt time.Time
	LastSeenAt       time.Time
	LastIP           string
}

// RevocationEntry is an append-only record of a license revocation.
type RevocationEntry struct {
	LicenseKey string
	RevokedAt  time.Time
	Reason     string
	RevokedBy  string
}

// Session is a server-side login session addressed by a 256-bit random ID.
type Session struct {
	ID           string // 64 hex chars
	UserID       uuid.UUID
	Username     string
	Role         Role
	LicenseKey   string
	IP           string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	IsValid      bool
	OfflineMode  bool
}

// View returns the externally visible projection of s.
func (s *Session) View() SessionView {
	return SessionView{
		ID:           s.ID,
		UserID:       s.UserID,
		Username:     s.Username,
		Role:         s.Role,
		LicenseKey:   s.LicenseKey,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastActivity: s.LastActivity,
		OfflineMode:  s.OfflineMode,
	}
}

// SessionView is what session validation hands to callers.
type SessionView struct {
	ID           string
	UserID       uuid.UUID
	Username     string
	Role         Role
	LicenseKey   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	OfflineMode  bool
}

// OfflineCredential is a sealed snapshot of a user's credentials kept on the local machine.
type OfflineCredential struct {
	Username       string // folded, key
	SealedBlob     []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	FailedAttempts int
	LockoutCount   int
	LockedUntil    *time.Time
}

// OfflinePayload is the plaintext inside OfflineCredential.SealedBlob.
type OfflinePayload struct {
	UserID       uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	LicenseKey   string    `json:"license_key,omitempty"`
	PasswordHash []byte    `json:"password_hash"`
	PasswordSalt []byte    `json:"password_salt"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Session     SessionView
	User        UserView
	OfflineMode bool
}
