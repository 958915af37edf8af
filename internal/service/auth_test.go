package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/policy"
	"github.com/dlnk/licensecore/internal/repository"
)

const goodPassword = "Correct1Horse"

func strictLockout(p *policy.Policy) {
	p.MaxAttempts = 3
	p.LockoutBaseMinutes = 5
	p.LockoutMaxMinutes = 60
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := e.register(t, "  Alice ", goodPassword)
	if u.Username != "alice" || u.Role != model.RoleGuest {
		t.Fatalf("registered %+v", u)
	}
	if _, err := e.auth.Register(ctx, RegisterRequest{Username: "ALICE", Password: goodPassword}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}
	var weak *errs.WeakPasswordError
	if _, err := e.auth.Register(ctx, RegisterRequest{Username: "bob", Password: "alllowercase1"}); !errors.As(err, &weak) {
		t.Fatalf("weak: %v", err)
	}
	if _, err := e.auth.Register(ctx, RegisterRequest{Username: "b", Password: goodPassword}); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("short username: %v", err)
	}
	if !contains(e.auditKinds(t), "auth.user.created") {
		t.Fatal("user creation not audited")
	}
}

func TestCreateUser_RoleRules(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	req := CreateUserRequest{Username: "ops", Password: goodPassword, Role: model.RoleAdmin}

	if _, err := e.auth.CreateUser(ctx, Actor{ID: "x", Role: model.RoleDeveloper}, req); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("developer: %v", err)
	}
	if _, err := e.auth.CreateUser(ctx, admin, req); !errors.Is(err, errs.ErrPolicyDenied) {
		t.Fatalf("admin creating admin: %v", err)
	}
	u, err := e.auth.CreateUser(ctx, Actor{ID: "root", Role: model.RoleSuperAdmin}, req)
	if err != nil || u.Role != model.RoleAdmin {
		t.Fatalf("superadmin: %+v %v", u, err)
	}
	dev := CreateUserRequest{Username: "dev", Password: goodPassword, Role: model.RoleDeveloper, MustChangePassword: true}
	u, err = e.auth.CreateUser(ctx, admin, dev)
	if err != nil || !u.MustChangePassword {
		t.Fatalf("admin creating developer: %+v %v", u, err)
	}
}

func TestLogin_SessionRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "alice", goodPassword)

	res, err := e.auth.Login(ctx, LoginRequest{Principal: "ALICE", Password: goodPassword, IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.OfflineMode || res.User.Username != "alice" {
		t.Fatalf("login result %+v", res)
	}
	v, err := e.sessions.Validate(ctx, res.Session.ID)
	if err != nil || v == nil || v.Username != "alice" {
		t.Fatalf("Validate after login: %v %v", v, err)
	}
	if err := e.auth.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if v, err := e.sessions.Validate(ctx, res.Session.ID); err != nil || v != nil {
		t.Fatalf("Validate after logout: %v %v", v, err)
	}
	for _, k := range []string{"auth.login.success", "session.created", "session.invalidated"} {
		if got := e.auditSubjects(t, k); len(got) != 1 || got[0] != res.User.ID.String() {
			t.Fatalf("%s subjects %v, want user id", k, got)
		}
	}
}

func TestLogin_ByEmail(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.auth.Register(ctx, RegisterRequest{Username: "dana", Email: "Dana@Example.com", Password: goodPassword}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "dana@example.COM", Password: goodPassword}); err != nil {
		t.Fatalf("Login by email: %v", err)
	}
}

func TestLogin_UnknownAndDisabled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "ghost", Password: goodPassword}); !errors.Is(err, errs.ErrUnknownUser) {
		t.Fatalf("unknown: %v", err)
	}
	u := e.register(t, "erin", goodPassword)
	err := e.store.InTx(ctx, func(tx repository.Tx) error { return tx.Users().SetActive(ctx, u.ID, false) })
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "erin", Password: goodPassword}); !errors.Is(err, errs.ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	if !contains(e.auditKinds(t), "auth.login.failure") {
		t.Fatal("failure not audited")
	}
}

func TestLogin_ProgressiveLockout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withPolicy(strictLockout))
	ctx := context.Background()
	e.register(t, "u1", goodPassword)
	bad := func() error {
		_, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: "Wrong1Password"})
		return err
	}
	wantLocked := func(err error, until time.Time) {
		t.Helper()
		var locked *errs.LockedError
		if !errors.As(err, &locked) || !locked.Until.Equal(until) {
			t.Fatalf("want Locked(%v), got %v", until, err)
		}
	}

	var bp *errs.BadPasswordError
	if err := bad(); !errors.As(err, &bp) || bp.Remaining != 2 {
		t.Fatalf("first failure: %v", err)
	}
	if err := bad(); !errors.As(err, &bp) || bp.Remaining != 1 {
		t.Fatalf("second failure: %v", err)
	}
	wantLocked(bad(), t0.Add(5*time.Minute))
	wantLocked(bad(), t0.Add(5*time.Minute))

	e.clk.Advance(time.Minute)
	wantLocked(bad(), t0.Add(5*time.Minute))
	_, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword})
	wantLocked(err, t0.Add(5*time.Minute))

	e.clk.Set(t0.Add(6 * time.Minute))
	now := e.clk.Now()
	if err := bad(); !errors.As(err, &bp) || bp.Remaining != 2 {
		t.Fatalf("window not reset after lock expiry: %v", err)
	}
	_ = bad()
	wantLocked(bad(), now.Add(10*time.Minute))
	if !contains(e.auditKinds(t), "auth.login.locked") {
		t.Fatal("lockout not audited")
	}

	e.clk.Set(now.Add(11 * time.Minute))
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword}); err != nil {
		t.Fatalf("login after lockout: %v", err)
	}
	if !contains(e.auditKinds(t), "auth.login.unlocked") {
		t.Fatal("unlock not audited")
	}
}

func TestLogin_TOTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, "frank", goodPassword)

	uri, err := e.auth.EnrollTOTP(ctx, u.ID)
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		t.Fatalf("NewKeyFromURL: %v", err)
	}
	if key.Issuer() != "DLNK" || key.AccountName() != "frank" {
		t.Fatalf("provisioning uri %q", uri)
	}
	if !contains(e.auditKinds(t), "auth.totp.enrolled") {
		t.Fatal("enrollment not audited")
	}

	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "frank", Password: goodPassword}); !errors.Is(err, errs.ErrRequires2FA) {
		t.Fatalf("no code: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "frank", Password: goodPassword, TOTP: "12345"}); !errors.Is(err, errs.ErrBad2FA) {
		t.Fatalf("bad code: %v", err)
	}
	prev, err := totp.GenerateCode(key.Secret(), t0.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "frank", Password: goodPassword, TOTP: prev}); err != nil {
		t.Fatalf("previous-window code: %v", err)
	}
}

func TestLoginOffline(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withOffline(t))
	ctx := context.Background()
	e.register(t, "u1", goodPassword)

	if _, err := e.auth.LoginOffline(ctx, "u1", goodPassword); !errors.Is(err, errs.ErrUnknownUser) {
		t.Fatalf("before remember: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword, Remember: true}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	e.clk.Advance(3 * 24 * time.Hour)
	var bp *errs.BadPasswordError
	if _, err := e.auth.LoginOffline(ctx, "u1", "Wrong1Password"); !errors.As(err, &bp) {
		t.Fatalf("bad offline password: %v", err)
	}
	res, err := e.auth.LoginOffline(ctx, "U1", goodPassword)
	if err != nil {
		t.Fatalf("LoginOffline: %v", err)
	}
	if !res.OfflineMode || !res.Session.OfflineMode {
		t.Fatalf("offline result %+v", res)
	}
	v, err := e.sessions.Validate(ctx, res.Session.ID)
	if err != nil || v == nil || !v.OfflineMode {
		t.Fatalf("offline session lookup: %v %v", v, err)
	}

	e.clk.Advance(5 * 24 * time.Hour)
	if _, err := e.auth.LoginOffline(ctx, "u1", goodPassword); !errors.Is(err, errs.ErrUnknownUser) {
		t.Fatalf("past grace: %v", err)
	}
}

func TestLoginOffline_Lockout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withOffline(t), withPolicy(strictLockout))
	ctx := context.Background()
	e.register(t, "u1", goodPassword)
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword, Remember: true}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, _ = e.auth.LoginOffline(ctx, "u1", "Wrong1Password")
	}
	_, err := e.auth.LoginOffline(ctx, "u1", "Wrong1Password")
	if !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("want Locked, got %v", err)
	}
	if _, err := e.auth.LoginOffline(ctx, "u1", goodPassword); !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("correct password while locked: %v", err)
	}
}

func TestLogin_ClearsOfflineLockout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withOffline(t), withPolicy(strictLockout))
	ctx := context.Background()
	e.register(t, "u1", goodPassword)
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword, Remember: true}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = e.auth.LoginOffline(ctx, "u1", "Wrong1Password")
	}
	if _, err := e.auth.LoginOffline(ctx, "u1", goodPassword); !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("want offline lock, got %v", err)
	}

	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword}); err != nil {
		t.Fatalf("online Login: %v", err)
	}
	if _, err := e.auth.LoginOffline(ctx, "u1", goodPassword); err != nil {
		t.Fatalf("offline lock survived an online login: %v", err)
	}

	_, _ = e.auth.LoginOffline(ctx, "u1", "Wrong1Password")
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "u1", Password: goodPassword, Remember: true}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var bp *errs.BadPasswordError
	if _, err := e.auth.LoginOffline(ctx, "u1", "Wrong1Password"); !errors.As(err, &bp) || bp.Remaining != 2 {
		t.Fatalf("offline failures not reset by remember: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withOffline(t))
	ctx := context.Background()
	u := e.register(t, "gina", goodPassword)

	first, err := e.auth.Login(ctx, LoginRequest{Principal: "gina", Password: goodPassword, Remember: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := e.auth.Login(ctx, LoginRequest{Principal: "gina", Password: goodPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	err = e.auth.ChangePassword(ctx, ChangePasswordRequest{UserID: u.ID, KeepSessionID: first.Session.ID, Old: "Nope1Nope", New: "Brand2NewPass"})
	if !errors.Is(err, errs.ErrBadPassword) {
		t.Fatalf("wrong old password: %v", err)
	}
	err = e.auth.ChangePassword(ctx, ChangePasswordRequest{UserID: u.ID, KeepSessionID: first.Session.ID, Old: goodPassword, New: "short"})
	if !errors.Is(err, errs.ErrWeakPassword) {
		t.Fatalf("weak new password: %v", err)
	}
	err = e.auth.ChangePassword(ctx, ChangePasswordRequest{UserID: u.ID, KeepSessionID: first.Session.ID, Old: goodPassword, New: "Brand2NewPass"})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if v, _ := e.sessions.Validate(ctx, first.Session.ID); v == nil {
		t.Fatal("current session was invalidated")
	}
	if v, _ := e.sessions.Validate(ctx, second.Session.ID); v != nil {
		t.Fatal("other session survived a password change")
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "gina", Password: goodPassword}); !errors.Is(err, errs.ErrBadPassword) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, err := e.auth.Login(ctx, LoginRequest{Principal: "gina", Password: "Brand2NewPass"}); err != nil {
		t.Fatalf("new password: %v", err)
	}
	if _, err := e.auth.LoginOffline(ctx, "gina", goodPassword); !errors.Is(err, errs.ErrUnknownUser) {
		t.Fatalf("stale offline credential: %v", err)
	}
}
