// Package core is the callable surface of the license and authentication core.
// It owns no state of its own: every collaborator is injected through Deps.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/clock"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/lease"
	"github.com/dlnk/licensecore/internal/licensekey"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/policy"
	"github.com/dlnk/licensecore/internal/repository"
	"github.com/dlnk/licensecore/internal/service"
)

// Deps are the inputs of New.
type Deps struct {
	Store  repository.Store
	Policy policy.Policy
	Clock  clock.Clock
	Master []byte
	Log    *zap.Logger
	Sinks  []audit.Sink

	// LeaseTTL bounds signed offline leases; 0 disables lease signing.
	LeaseTTL time.Duration

	Credentials   repository.OfflineCredentialRepository
	LocalSessions repository.SessionRepository

	// Closers run on Close after the store is closed.
	Closers []func() error
}

// Core exposes every license, credential and session operation.
type Core struct {
	issuer    *service.Issuer
	validator *service.Validator
	sessions  *service.Sessions
	auth      *service.Authenticator
	auditLog  *service.AuditLog

	store   repository.Store
	policy  policy.Policy
	clk     clock.Clock
	leases  *lease.Signer
	log     *zap.Logger
	closers []func() error
}

// New builds a Core from d.
func New(d Deps) (*Core, error) {
	if d.Store == nil {
		return nil, errors.New("core: store is required")
	}
	if len(d.Master) != 32 {
		return nil, errors.New("core: master key must be 32 bytes")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	sd := service.Deps{
		Store:         d.Store,
		Policy:        d.Policy,
		Clock:         d.Clock,
		Master:        d.Master,
		Codec:         licensekey.NewCodec(d.Master),
		Audit:         audit.NewRecorder(d.Log, d.Sinks...),
		Log:           d.Log,
		Credentials:   d.Credentials,
		LocalSessions: d.LocalSessions,
	}
	if d.LeaseTTL > 0 {
		s, err := lease.NewSigner(d.Master, d.LeaseTTL)
		if err != nil {
			return nil, err
		}
		sd.Leases = s
	}
	sessions := service.NewSessions(sd)
	return &Core{
		issuer:    service.NewIssuer(sd),
		validator: service.NewValidator(sd),
		sessions:  sessions,
		auth:      service.NewAuthenticator(sd, sessions),
		auditLog:  service.NewAuditLog(sd),
		store:     d.Store,
		policy:    d.Policy,
		clk:       d.Clock,
		leases:    sd.Leases,
		log:       d.Log,
		closers:   d.Closers,
	}, nil
}

// Close releases the store and local resources.
func (c *Core) Close() error {
	c.store.Close()
	var errList []error
	for _, fn := range c.closers {
		errList = append(errList, fn())
	}
	return errors.Join(errList...)
}

// Policy returns the active policy.
func (c *Core) Policy() policy.Policy { return c.policy.Clone() }

// Issue creates a license.
func (c *Core) Issue(ctx context.Context, req service.IssueRequest) (model.IssuedLicense, error) {
	return c.issuer.Issue(ctx, req)
}

// Validate checks a presented key for hardware ID hw.
func (c *Core) Validate(ctx context.Context, key, hw string, opts ...service.ValidateOption) (model.ValidationResult, error) {
	return c.validator.Validate(ctx, key, hw, opts...)
}

// Revoke permanently revokes a license. Admins only.
func (c *Core) Revoke(ctx context.Context, actor service.Actor, key, reason string) error {
	if !actor.Role.IsAdmin() {
		return errs.ErrUnauthorized
	}
	return c.issuer.Revoke(ctx, actor, key, reason)
}

// Extend pushes a license's expiry forward. Admins only.
func (c *Core) Extend(ctx context.Context, actor service.Actor, key string, days int) (*model.License, error) {
	if !actor.Role.IsAdmin() {
		return nil, errs.ErrUnauthorized
	}
	return c.issuer.Extend(ctx, actor, key, days)
}

// Suspend takes a license out of service. Admins only.
func (c *Core) Suspend(ctx context.Context, actor service.Actor, key, reason string) error {
	if !actor.Role.IsAdmin() {
		return errs.ErrUnauthorized
	}
	return c.issuer.Suspend(ctx, actor, key, reason)
}

// Reinstate returns a suspended license to service. Admins only.
func (c *Core) Reinstate(ctx context.Context, actor service.Actor, key string) error {
	if !actor.Role.IsAdmin() {
		return errs.ErrUnauthorized
	}
	return c.issuer.Reinstate(ctx, actor, key)
}

// Register creates a guest account.
func (c *Core) Register(ctx context.Context, req service.RegisterRequest) (model.UserView, error) {
	return c.auth.Register(ctx, req)
}

// CreateUser creates an account with any role. Admins only.
func (c *Core) CreateUser(ctx context.Context, actor service.Actor, req service.CreateUserRequest) (model.UserView, error) {
	return c.auth.CreateUser(ctx, actor, req)
}

// Login verifies credentials online and opens a session.
func (c *Core) Login(ctx context.Context, req service.LoginRequest) (model.LoginResult, error) {
	return c.auth.Login(ctx, req)
}

// LoginOffline verifies credentials against the sealed local copy.
func (c *Core) LoginOffline(ctx context.Context, username, password string) (model.LoginResult, error) {
	return c.auth.LoginOffline(ctx, username, password)
}

// Logout ends a session.
func (c *Core) Logout(ctx context.Context, sessionID string) error {
	return c.auth.Logout(ctx, sessionID)
}

// ChangePassword replaces a password and ends the user's other sessions.
func (c *Core) ChangePassword(ctx context.Context, req service.ChangePasswordRequest) error {
	return c.auth.ChangePassword(ctx, req)
}

// EnrollTOTP stores a new TOTP secret and returns its provisioning URI.
func (c *Core) EnrollTOTP(ctx context.Context, userID uuid.UUID) (string, error) {
	return c.auth.EnrollTOTP(ctx, userID)
}

// CreateSession opens a session without a password check.
func (c *Core) CreateSession(ctx context.Context, req service.CreateSessionRequest) (model.SessionView, error) {
	return c.sessions.Create(ctx, req)
}

// ValidateSession returns nil for missing, invalid or expired sessions.
func (c *Core) ValidateSession(ctx context.Context, id string) (*model.SessionView, error) {
	return c.sessions.Validate(ctx, id)
}

// RefreshSession extends a valid session by ttl, or the policy default when ttl is zero.
func (c *Core) RefreshSession(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return c.sessions.Refresh(ctx, id, ttl)
}

// InvalidateUserSessions ends every session of userID. Users may end their own; admins anyone's.
func (c *Core) InvalidateUserSessions(ctx context.Context, actor service.Actor, userID uuid.UUID) (int, error) {
	if !actor.Role.IsAdmin() && actor.ID != userID.String() {
		return 0, errs.ErrUnauthorized
	}
	return c.sessions.InvalidateUser(ctx, userID, "")
}

// GetAuditPage reads the audit trail. Admins only.
func (c *Core) GetAuditPage(ctx context.Context, actor service.Actor, afterSeq int64, limit int) (model.AuditPage, error) {
	return c.auditLog.Page(ctx, actor, afterSeq, limit)
}

// LeasePublicKey returns the key that verifies offline leases, or nil when leases are off.
func (c *Core) LeasePublicKey() []byte {
	if c.leases == nil {
		return nil
	}
	return c.leases.PublicKey()
}

// VerifyLease checks an offline lease for hw against this core's signing key.
func (c *Core) VerifyLease(token, hw string) (*lease.Claims, error) {
	if c.leases == nil {
		return nil, lease.ErrInvalid
	}
	return lease.Verify(c.leases.PublicKey(), token, hw, c.clk.Now())
}

// Compact deletes licenses revoked or expired longer than the retention window ago.
func (c *Core) Compact(ctx context.Context) (int, error) {
	horizon := c.clk.Now().AddDate(0, 0, -c.policy.RetentionDays)
	return c.issuer.Compact(ctx, horizon)
}

// CleanupExpiredSessions deletes sessions past expiry.
func (c *Core) CleanupExpiredSessions(ctx context.Context) (int, error) {
	return c.sessions.CleanupExpired(ctx)
}

// BootstrapAdmin creates a superadmin account unless the username is taken.
// It reports whether an account was created.
func (c *Core) BootstrapAdmin(ctx context.Context, username, email, password string) (bool, error) {
	_, err := c.auth.CreateUser(ctx, service.System, service.CreateUserRequest{
		Username: username,
		Email:    email,
		Password: password,
		Role:     model.RoleSuperAdmin,
	})
	if errors.Is(err, errs.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.log.Info("bootstrap admin created", zap.String("username", username))
	return true, nil
}
