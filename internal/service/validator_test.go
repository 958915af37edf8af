package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/hwid"
	"github.com/dlnk/licensecore/internal/lease"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

func TestValidate_IssueAndDeviceCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicensePro, 30, 2)

	res, err := e.val.Validate(ctx, out.FormattedKey, hw('a'))
	if err != nil {
		t.Fatalf("Validate A: %v", err)
	}
	if res.DaysRemaining != 30 {
		t.Fatalf("days remaining %d", res.DaysRemaining)
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning %q", res.Warning)
	}
	if n := e.activations(t, out.Record.ID); n != 1 {
		t.Fatalf("count after A: %d", n)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('b')); err != nil {
		t.Fatalf("Validate B: %v", err)
	}
	if n := e.activations(t, out.Record.ID); n != 2 {
		t.Fatalf("count after B: %d", n)
	}
	_, err = e.val.Validate(ctx, out.FormattedKey, hw('c'))
	var capErr *errs.DeviceCapError
	if !errors.As(err, &capErr) || capErr.N != 2 || capErr.Max != 2 {
		t.Fatalf("want DeviceCapExceeded(2,2), got %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); err != nil {
		t.Fatalf("known device refused: %v", err)
	}
}

func TestValidate_ExpiryAutoTransitionAndExtend(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicenseBasic, 0, 1)

	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("want Expired, got %v", err)
	}
	if l := e.license(t, out.FormattedKey); l.Status != model.StatusExpired {
		t.Fatalf("stored status %s", l.Status)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("second validate: %v", err)
	}
	expired := 0
	for _, k := range e.auditKinds(t) {
		if k == "license.expired" {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("license.expired audited %d times", expired)
	}

	l, err := e.issuer.Extend(ctx, admin, out.FormattedKey, 10)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if l.Status != model.StatusActive {
		t.Fatalf("status after extend %s", l.Status)
	}
	res, err := e.val.Validate(ctx, out.FormattedKey, hw('a'))
	if err != nil {
		t.Fatalf("Validate after extend: %v", err)
	}
	if res.DaysRemaining != 10 {
		t.Fatalf("days remaining %d", res.DaysRemaining)
	}
}

func TestValidate_ExpiresWhileIdle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicensePro, 3, 2)

	res, err := e.val.Validate(ctx, out.FormattedKey, hw('a'))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Warning != model.WarnExpiringSoon {
		t.Fatalf("want ExpiringSoon, got %q", res.Warning)
	}
	e.clk.Advance(3*24*time.Hour + time.Second)
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('f')); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("want Expired, got %v", err)
	}
	if l := e.license(t, out.FormattedKey); l.Status != model.StatusExpired {
		t.Fatalf("stored status %s", l.Status)
	}
}

func TestValidate_SingleDeviceBinds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicenseBasic, 30, 1)

	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); err != nil {
		t.Fatalf("first device: %v", err)
	}
	if l := e.license(t, out.FormattedKey); l.BoundHardwareID != hw('a') {
		t.Fatalf("bound to %q", l.BoundHardwareID)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('b')); !errors.Is(err, errs.ErrHardwareMismatch) {
		t.Fatalf("want HardwareMismatch, got %v", err)
	}
	if !contains(e.auditKinds(t), "license.bound") {
		t.Fatal("binding not audited")
	}
}

func TestValidate_UnreliableIDNeverBinds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicenseBasic, 30, 1)

	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a'), WithUnreliableHWID()); !errors.Is(err, errs.ErrHardwareMismatch) {
		t.Fatalf("want HardwareMismatch, got %v", err)
	}
	if l := e.license(t, out.FormattedKey); l.BoundHardwareID != "" {
		t.Fatalf("unreliable id bound the license")
	}
}

func TestValidate_MalformedInputs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicensePro, 30, 2)

	if _, err := e.val.Validate(ctx, "  ", hw('a')); !errors.Is(err, errs.ErrMalformedKey) {
		t.Fatalf("blank key: %v", err)
	}
	if _, err := e.val.Validate(ctx, "DLNK-0000-0000-0000-0000", hw('a')); !errors.Is(err, errs.ErrUnknownKey) {
		t.Fatalf("unknown key: %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, "not-a-hwid"); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("bad hwid: %v", err)
	}
	if n := e.activations(t, out.Record.ID); n != 0 {
		t.Fatalf("bad hwid consumed a slot")
	}
}

func TestValidate_SealedKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicensePro, 30, 2)

	res, err := e.val.Validate(ctx, out.SealedKey, hw('e'))
	if err != nil {
		t.Fatalf("Validate sealed: %v", err)
	}
	if !res.Ephemeral || res.Lease != "" {
		t.Fatalf("sealed result: %+v", res)
	}
	if n := e.activations(t, out.Record.ID); n != 0 {
		t.Fatalf("sealed validation touched the store: %d", n)
	}

	for i := 0; i < len(out.SealedKey); i++ {
		for bit := 0; bit < 7; bit++ {
			flipped := []byte(out.SealedKey)
			flipped[i] ^= 1 << bit
			if _, err := e.val.Validate(ctx, string(flipped), hw('e')); !errors.Is(err, errs.ErrMalformedKey) {
				t.Fatalf("char %d bit %d flipped: want MalformedKey, got %v", i, bit, err)
			}
		}
	}

	e.clk.Advance(31 * 24 * time.Hour)
	if _, err := e.val.Validate(ctx, out.SealedKey, hw('e')); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("expired sealed key: %v", err)
	}
}

func TestValidate_ClientTimeWithinSkew(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	out := e.issue(t, model.LicensePro, 1, 2)

	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a'), WithClientTime(t0.Add(48*time.Hour))); err != nil {
		t.Fatalf("far-off client clock should be ignored: %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a'), WithClientTime(t0.Add(23*time.Hour+59*time.Minute))); err != nil {
		t.Fatalf("client clock inside skew: %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a'), WithClientTime(t0.Add(24*time.Hour))); !errors.Is(err, errs.ErrExpired) {
		t.Fatalf("client clock at expiry: %v", err)
	}
}

func TestValidate_SignsLease(t *testing.T) {
	t.Parallel()
	e := newEnv(t, withLeases)
	out := e.issue(t, model.LicensePro, 30, 2)

	res, err := e.val.Validate(context.Background(), out.FormattedKey, hw('a'))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	signer, err := lease.NewSigner(master, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	claims, err := lease.Verify(signer.PublicKey(), res.Lease, hw('a'), t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.LicenseKey != out.FormattedKey {
		t.Fatalf("lease for %q", claims.LicenseKey)
	}
}

func TestValidate_ConcurrentFirstActivations(t *testing.T) {
	t.Parallel()
	const k, m = 12, 5
	e := newEnv(t)
	ctx := context.Background()
	out, err := e.issuer.Issue(ctx, IssueRequest{
		Actor:        admin,
		OwnerUserID:  uuid.Must(uuid.NewV4()),
		Type:         model.LicenseEnterprise,
		DurationDays: days(30),
		MaxDevices:   m,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ids := "0123456789abcdef"
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, capped int
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(c byte) {
			defer wg.Done()
			_, err := e.val.Validate(ctx, out.FormattedKey, hw(c))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrDeviceCap):
				capped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(ids[i])
	}
	wg.Wait()
	if ok != m || capped != k-m {
		t.Fatalf("ok=%d capped=%d, want %d and %d", ok, capped, m, k-m)
	}
	if n := e.activations(t, out.Record.ID); n != m {
		t.Fatalf("activations %d, want %d", n, m)
	}
}

func TestValidate_StateOrdering(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(t *testing.T, e *env, key string)
		want  error
	}{
		{"revoked status without revocation row", func(t *testing.T, e *env, key string) {
			e.mutate(t, func(ctx context.Context, tx repository.Tx) error {
				_, err := tx.Licenses().SetStatus(ctx, key, model.StatusRevoked, t0)
				return err
			})
		}, errs.ErrRevoked},
		{"revocation row while active", func(t *testing.T, e *env, key string) {
			e.mutate(t, func(ctx context.Context, tx repository.Tx) error {
				return tx.Revocations().Add(ctx, model.RevocationEntry{LicenseKey: key, RevokedAt: t0, RevokedBy: "root"})
			})
		}, errs.ErrRevoked},
		{"suspended past expiry reports suspended", func(t *testing.T, e *env, key string) {
			if err := e.issuer.Suspend(context.Background(), admin, key, "chargeback"); err != nil {
				t.Fatalf("Suspend: %v", err)
			}
			e.clk.Advance(40 * 24 * time.Hour)
		}, errs.ErrSuspended},
		{"revoked past expiry reports revoked", func(t *testing.T, e *env, key string) {
			if err := e.issuer.Revoke(context.Background(), admin, key, "fraud"); err != nil {
				t.Fatalf("Revoke: %v", err)
			}
			e.clk.Advance(40 * 24 * time.Hour)
		}, errs.ErrRevoked},
		{"legacy short binding matches", func(t *testing.T, e *env, key string) {
			e.mutate(t, func(ctx context.Context, tx repository.Tx) error {
				_, err := tx.Licenses().BindHardware(ctx, key, hwid.Short(hw('a')), t0)
				return err
			})
		}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			out := e.issue(t, model.LicenseBasic, 30, 1)
			tc.setup(t, e, out.FormattedKey)

			_, err := e.val.Validate(context.Background(), out.FormattedKey, hw('a'))
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_LegacyBindingRejectsOtherDevice(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	out := e.issue(t, model.LicenseBasic, 30, 1)
	e.mutate(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Licenses().BindHardware(ctx, out.FormattedKey, hwid.Short(hw('a')), t0)
		return err
	})
	ctx := context.Background()
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); err != nil {
		t.Fatalf("legacy device: %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('a')); err != nil {
		t.Fatalf("legacy device again: %v", err)
	}
	if _, err := e.val.Validate(ctx, out.FormattedKey, hw('b')); !errors.Is(err, errs.ErrHardwareMismatch) {
		t.Fatalf("other device: %v", err)
	}
	if n := e.activations(t, out.Record.ID); n != 1 {
		t.Fatalf("activations %d, want 1", n)
	}
	if got := e.auditSubjects(t, "activation.added"); len(got) != 1 || got[0] != out.FormattedKey {
		t.Fatalf("activation.added subjects %v, want the license key", got)
	}
}
