package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/crypto"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
	"github.com/dlnk/licensecore/internal/validation"
)

const totpIssuer = "DLNK"

// LoginRequest carries one online login attempt.
type LoginRequest struct {
	Principal  string // username, or email when it contains '@'
	Password   string
	TOTP       string
	IP         string
	UserAgent  string
	Remember   bool // keep a sealed offline credential on this machine
	LicenseKey string
}

// RegisterRequest is a self-service sign-up.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// CreateUserRequest is an administrative account creation.
type CreateUserRequest struct {
	Username           string
	Email              string
	Password           string
	Role               model.Role
	MustChangePassword bool
}

// ChangePasswordRequest replaces a user's password. KeepSessionID survives the session purge.
type ChangePasswordRequest struct {
	UserID        uuid.UUID
	KeepSessionID string
	Old           string
	New           string
}

// Authenticator verifies credentials online and offline.
type Authenticator struct {
	base
	sessions *Sessions
	creds    repository.OfflineCredentialRepository
	master   []byte
}

// NewAuthenticator constructs an Authenticator minting sessions through sessions.
func NewAuthenticator(d Deps, sessions *Sessions) *Authenticator {
	return &Authenticator{base: newBase(d), sessions: sessions, creds: d.Credentials, master: d.Master}
}

// Register creates a guest account.
func (a *Authenticator) Register(ctx context.Context, req RegisterRequest) (model.UserView, error) {
	return a.createUser(ctx, System.ID, CreateUserRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     model.RoleGuest,
	})
}

// CreateUser creates an account with any role. Only admins may call it and only superadmins may create admins.
func (a *Authenticator) CreateUser(ctx context.Context, actor Actor, req CreateUserRequest) (model.UserView, error) {
	if !actor.Role.IsAdmin() {
		return model.UserView{}, errs.ErrUnauthorized
	}
	if !req.Role.Valid() {
		return model.UserView{}, fmt.Errorf("%w: unknown role %q", errs.ErrInvalidRequest, req.Role)
	}
	if req.Role.IsAdmin() && actor.Role != model.RoleSuperAdmin {
		return model.UserView{}, denied("only superadmins create %s accounts", req.Role)
	}
	return a.createUser(ctx, actor.ID, req)
}

func (a *Authenticator) createUser(ctx context.Context, actorID string, req CreateUserRequest) (model.UserView, error) {
	username, err := validation.Username(req.Username)
	if err != nil {
		return model.UserView{}, err
	}
	email, err := validation.Email(req.Email)
	if err != nil {
		return model.UserView{}, err
	}
	if err := validation.Password(req.Password, a.policy.PasswordMinLength); err != nil {
		return model.UserView{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.UserView{}, err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return model.UserView{}, err
	}
	now := a.clk.Now()
	u := &model.User{
		ID:                 id,
		Username:           username,
		Email:              email,
		PasswordHash:       crypto.HashPassword([]byte(req.Password), salt),
		PasswordSalt:       salt,
		Role:               req.Role,
		IsActive:           true,
		MustChangePassword: req.MustChangePassword,
		CreatedAt:          now,
	}
	err = a.run(ctx, "users.create", now, func(tx repository.Tx, b *audit.Batch) error {
		if err := tx.Users().Create(ctx, u); err != nil {
			return err
		}
		return b.Add(ctx, actorID, audit.UserCreated, id.String(), map[string]string{
			"role":     string(req.Role),
			"username": audit.MaskPrincipal(username),
		})
	})
	if err != nil {
		return model.UserView{}, err
	}
	return u.View(), nil
}

// Login verifies credentials, applies the lockout policy and mints a session.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (model.LoginResult, error) {
	principal := validation.Fold(req.Principal)
	masked := audit.MaskPrincipal(principal)
	now := a.clk.Now()
	offlineUntil := now.Add(a.policy.OfflineGrace())

	var (
		res       model.LoginResult
		user      *model.User
		domainErr error
	)
	err := a.run(ctx, "auth.login", now, func(tx repository.Tx, b *audit.Batch) error {
		users := tx.Users()
		// subject is the user id; an unknown principal has none
		fail := func(actor, subject string, kind audit.Kind, cause error) error {
			domainErr = cause
			return b.Add(ctx, actor, kind, subject, map[string]string{"kind": errs.Kind(cause), "ip": req.IP, "principal": masked})
		}

		var (
			u   *model.User
			err error
		)
		if validation.IsEmail(principal) {
			u, err = users.GetByEmail(ctx, principal)
		} else {
			u, err = users.GetByUsername(ctx, principal)
		}
		if errors.Is(err, errs.ErrNotFound) {
			return fail(model.ActorSystem, "", audit.LoginFailure, errs.ErrUnknownUser)
		}
		if err != nil {
			return err
		}
		actor := u.ID.String()
		if until, locked := a.lim.LockedAt(stateOf(u), now); locked {
			return fail(actor, actor, audit.LoginLocked, &errs.LockedError{Until: until})
		}
		if !u.IsActive {
			return fail(actor, actor, audit.LoginFailure, errs.ErrDisabled)
		}

		var cause error
		if !crypto.VerifyPassword([]byte(req.Password), u.PasswordSalt, u.PasswordHash) {
			cause = errs.ErrBadPassword
		} else if u.TOTPSecret != "" {
			if req.TOTP == "" {
				domainErr = errs.ErrRequires2FA
				return nil
			}
			if !verifyTOTP(u.TOTPSecret, req.TOTP, now) {
				cause = errs.ErrBad2FA
			}
		}
		if cause != nil {
			out, err := users.RecordLoginFailure(ctx, u.ID, now, a.lim)
			if err != nil {
				return err
			}
			kind := audit.LoginFailure
			if out.Locked {
				kind = audit.LoginLocked
			}
			return fail(actor, actor, kind, failureError(out, cause))
		}

		if err := users.RecordLoginSuccess(ctx, u.ID, now, offlineUntil); err != nil {
			return err
		}
		if u.LockoutCount > 0 {
			if err := b.Add(ctx, actor, audit.LoginUnlocked, actor, nil); err != nil {
				return err
			}
		}
		sess, err := a.sessions.createIn(ctx, tx, b, CreateSessionRequest{
			UserID:     u.ID,
			Username:   u.Username,
			Role:       u.Role,
			LicenseKey: req.LicenseKey,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
		}, now)
		if err != nil {
			return err
		}
		if err := b.Add(ctx, actor, audit.LoginSuccess, actor, map[string]string{"ip": req.IP}); err != nil {
			return err
		}
		u.FailedAttempts, u.LockoutCount, u.LockedUntil = 0, 0, nil
		u.LastLogin, u.OfflineUntil = &now, &offlineUntil
		user = u
		res = model.LoginResult{Session: sess.View(), User: u.View()}
		return nil
	})
	if err != nil {
		return model.LoginResult{}, err
	}
	if domainErr != nil {
		a.log.Info("login refused", zapPrincipal(principal), zap.String("kind", errs.Kind(domainErr)))
		return model.LoginResult{}, domainErr
	}
	if err := a.convergeOffline(ctx, user, req, now, offlineUntil); err != nil {
		a.log.Warn("sync offline credential", zapPrincipal(principal), zapErr(err))
	}
	return res, nil
}

// convergeOffline brings the local offline credential in line with a successful online login.
// Remember reseals the verifier; otherwise any offline failure count and lock are cleared.
func (a *Authenticator) convergeOffline(ctx context.Context, u *model.User, req LoginRequest, now, until time.Time) error {
	if a.creds == nil {
		return nil
	}
	if req.Remember {
		return a.storeOffline(ctx, u, req.LicenseKey, now, until)
	}
	err := a.creds.ClearFailures(ctx, u.Username)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func verifyTOTP(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (a *Authenticator) offlineKey(username string) ([]byte, error) {
	return crypto.DeriveKey(a.master, "offline-credential:"+username)
}

// storeOffline seals the user's verifier for offline logins, resetting the offline lockout envelope.
func (a *Authenticator) storeOffline(ctx context.Context, u *model.User, licenseKey string, now, until time.Time) error {
	if a.creds == nil {
		return errors.New("no offline credential store configured")
	}
	payload, err := json.Marshal(model.OfflinePayload{
		UserID:       u.ID,
		Username:     u.Username,
		Role:         u.Role,
		LicenseKey:   licenseKey,
		PasswordHash: u.PasswordHash,
		PasswordSalt: u.PasswordSalt,
	})
	if err != nil {
		return err
	}
	key, err := a.offlineKey(u.Username)
	if err != nil {
		return err
	}
	blob, err := crypto.Seal(key, payload)
	if err != nil {
		return err
	}
	return a.creds.Put(ctx, &model.OfflineCredential{
		Username:   u.Username,
		SealedBlob: blob,
		CreatedAt:  now,
		ExpiresAt:  until,
	})
}

// LoginOffline verifies credentials against the sealed local copy and mints an offline session.
func (a *Authenticator) LoginOffline(ctx context.Context, username, password string) (model.LoginResult, error) {
	if a.creds == nil {
		return model.LoginResult{}, errs.ErrUnknownUser
	}
	name := validation.Fold(username)
	now := a.clk.Now()

	c, err := a.creds.Get(ctx, name)
	if errors.Is(err, errs.ErrNotFound) {
		return model.LoginResult{}, errs.ErrUnknownUser
	}
	if err != nil {
		return model.LoginResult{}, errs.Transient("offline.get", err)
	}
	if !now.Before(c.ExpiresAt) {
		return model.LoginResult{}, errs.ErrUnknownUser
	}
	st := stateFromCredential(c)
	if until, locked := a.lim.LockedAt(st, now); locked {
		return model.LoginResult{}, &errs.LockedError{Until: until}
	}

	key, err := a.offlineKey(name)
	if err != nil {
		return model.LoginResult{}, err
	}
	raw, err := crypto.Open(key, c.SealedBlob)
	if err != nil {
		a.log.Warn("offline credential does not open", zapPrincipal(name))
		return model.LoginResult{}, errs.ErrUnknownUser
	}
	var p model.OfflinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.LoginResult{}, errs.ErrUnknownUser
	}

	if !crypto.VerifyPassword([]byte(password), p.PasswordSalt, p.PasswordHash) {
		out, err := a.creds.RecordFailure(ctx, name, now, a.lim)
		if err != nil {
			return model.LoginResult{}, errs.Transient("offline.record_failure", err)
		}
		return model.LoginResult{}, failureError(out, errs.ErrBadPassword)
	}
	if st.FailedAttempts > 0 || st.LockoutCount > 0 {
		if err := a.creds.ClearFailures(ctx, name); err != nil {
			return model.LoginResult{}, errs.Transient("offline.clear", err)
		}
	}

	ttl := a.policy.SessionTTL
	if left := c.ExpiresAt.Sub(now); left < ttl {
		ttl = left
	}
	sess, err := a.sessions.createLocal(ctx, CreateSessionRequest{
		UserID:     p.UserID,
		Username:   p.Username,
		Role:       p.Role,
		LicenseKey: p.LicenseKey,
		Offline:    true,
		TTL:        ttl,
	}, now)
	if err != nil {
		return model.LoginResult{}, err
	}
	return model.LoginResult{
		Session:     sess.View(),
		User:        model.UserView{ID: p.UserID, Username: p.Username, Role: p.Role, IsActive: true},
		OfflineMode: true,
	}, nil
}

func stateFromCredential(c *model.OfflineCredential) limiter.State {
	return limiter.State{FailedAttempts: c.FailedAttempts, LockoutCount: c.LockoutCount, LockedUntil: c.LockedUntil}
}

// Logout ends a session.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	return a.sessions.Invalidate(ctx, sessionID)
}

// ChangePassword verifies the old password, stores the new one and ends the user's other sessions.
func (a *Authenticator) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if err := validation.Password(req.New, a.policy.PasswordMinLength); err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	hash := crypto.HashPassword([]byte(req.New), salt)
	now := a.clk.Now()

	var username string
	err = a.run(ctx, "auth.change_password", now, func(tx repository.Tx, b *audit.Batch) error {
		u, err := tx.Users().GetByID(ctx, req.UserID)
		if errors.Is(err, errs.ErrNotFound) {
			return errs.ErrUnknownUser
		}
		if err != nil {
			return err
		}
		if !crypto.VerifyPassword([]byte(req.Old), u.PasswordSalt, u.PasswordHash) {
			return errs.ErrBadPassword
		}
		if err := tx.Users().UpdatePassword(ctx, u.ID, hash, salt); err != nil {
			return err
		}
		if _, err := a.sessions.invalidateUserIn(ctx, tx, b, u.ID, req.KeepSessionID); err != nil {
			return err
		}
		username = u.Username
		return b.Add(ctx, u.ID.String(), audit.PasswordChanged, u.ID.String(), nil)
	})
	if err != nil {
		return err
	}
	if a.sessions.local != nil {
		if _, err := a.sessions.local.InvalidateUser(ctx, req.UserID, req.KeepSessionID); err != nil {
			a.log.Warn("invalidate offline sessions", zapErr(err))
		}
	}
	if a.creds != nil {
		if err := a.creds.Delete(ctx, username); err != nil {
			a.log.Warn("drop stale offline credential", zapPrincipal(username), zapErr(err))
		}
	}
	return nil
}

// EnrollTOTP generates and stores a TOTP secret and returns its provisioning URI.
func (a *Authenticator) EnrollTOTP(ctx context.Context, userID uuid.UUID) (string, error) {
	now := a.clk.Now()
	var uri string
	err := a.run(ctx, "auth.enroll_totp", now, func(tx repository.Tx, b *audit.Batch) error {
		u, err := tx.Users().GetByID(ctx, userID)
		if errors.Is(err, errs.ErrNotFound) {
			return errs.ErrUnknownUser
		}
		if err != nil {
			return err
		}
		key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: u.Username})
		if err != nil {
			return err
		}
		uri = key.URL()
		if err := tx.Users().SetTOTPSecret(ctx, u.ID, key.Secret()); err != nil {
			return err
		}
		return b.Add(ctx, u.ID.String(), audit.TOTPEnrolled, u.ID.String(), nil)
	})
	return uri, err
}
