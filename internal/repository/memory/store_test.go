package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/dlnk/licensecore/internal/clock"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/hwid"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func seedLicense(t *testing.T, s *Store, maxDevices int, expires time.Time) model.License {
	t.Helper()
	l := model.License{
		ID:          uuid.Must(uuid.NewV4()),
		Key:         "DLNK-AAAA-BBBB-CCCC-DDDD",
		OwnerUserID: uuid.Must(uuid.NewV4()),
		Type:        model.LicensePro,
		Status:      model.StatusActive,
		MaxDevices:  maxDevices,
		CreatedAt:   t0,
		ExpiresAt:   expires,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.Licenses().Create(context.Background(), &l)
	}))
	return l
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	s := New(clock.NewFake(t0))
	ctx := context.Background()
	l := seedLicense(t, s, 2, t0.Add(time.Hour))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx repository.Tx) error {
		_, err := tx.Licenses().SetStatus(ctx, l.Key, model.StatusRevoked, t0)
		require.NoError(t, err)
		_, err = tx.Audit().Append(ctx, &model.AuditEvent{Kind: "license.revoked"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		got, err := tx.Licenses().GetByKey(ctx, l.Key)
		require.NoError(t, err)
		require.Equal(t, model.StatusActive, got.Status)
		page, err := tx.Audit().Page(ctx, 0, 10)
		require.NoError(t, err)
		require.Empty(t, page)
		return nil
	}))
}

func TestGetByKey_RematerializesExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(clk)
	ctx := context.Background()
	l := seedLicense(t, s, 1, t0.Add(time.Hour))

	clk.Advance(2 * time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		got, err := tx.Licenses().GetByKey(ctx, l.Key)
		require.NoError(t, err)
		require.Equal(t, model.StatusExpired, got.Status)
		return nil
	}))
}

func TestSetStatus_RevokedIsTerminal(t *testing.T) {
	s := New(clock.NewFake(t0))
	ctx := context.Background()
	l := seedLicense(t, s, 1, t0.Add(time.Hour))

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		changed, err := tx.Licenses().SetStatus(ctx, l.Key, model.StatusRevoked, t0)
		require.True(t, changed)
		return err
	}))
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		_, err := tx.Licenses().SetStatus(ctx, l.Key, model.StatusActive, t0)
		require.ErrorIs(t, err, errs.ErrInvalidTransition)
		_, err = tx.Licenses().Extend(ctx, l.Key, 5, t0)
		require.ErrorIs(t, err, errs.ErrRevoked)
		changed, err := tx.Licenses().SetStatus(ctx, l.Key, model.StatusRevoked, t0)
		require.NoError(t, err)
		require.False(t, changed)
		return nil
	}))
}

func TestActivate_CapAndBinding(t *testing.T) {
	s := New(clock.NewFake(t0))
	ctx := context.Background()
	l := seedLicense(t, s, 2, t0.Add(time.Hour))
	a, b, c := strings.Repeat("a", 64), strings.Repeat("b", 64), strings.Repeat("c", 64)

	activate := func(hw string) (model.ActivationOutcome, error) {
		var out model.ActivationOutcome
		err := s.InTx(ctx, func(tx repository.Tx) error {
			var err error
			out, err = tx.Licenses().Activate(ctx, repository.ActivationRequest{LicenseID: l.ID, HardwareID: hw, Now: t0, AllowBind: true})
			return err
		})
		return out, err
	}

	out, err := activate(a)
	require.NoError(t, err)
	require.True(t, out.Added)
	require.False(t, out.Bound, "multi-device licenses never bind")
	out, err = activate(a)
	require.NoError(t, err)
	require.False(t, out.Added)
	require.Equal(t, 1, out.Count)
	_, err = activate(b)
	require.NoError(t, err)
	_, err = activate(c)
	var capErr *errs.DeviceCapError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, 2, capErr.N)
}

func TestActivate_LegacyBindingRefreshesShortRow(t *testing.T) {
	s := New(clock.NewFake(t0))
	ctx := context.Background()
	l := seedLicense(t, s, 1, t0.Add(time.Hour))
	full := strings.Repeat("a", 64)
	short := hwid.Short(full)
	later := t0.Add(10 * time.Minute)

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.Licenses().BindHardware(ctx, l.Key, short, t0); err != nil {
			return err
		}
		return tx.Activations().Upsert(ctx, model.Activation{LicenseID: l.ID, HardwareID: short, LastSeenAt: t0})
	}))

	var acts []model.Activation
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		out, err := tx.Licenses().Activate(ctx, repository.ActivationRequest{LicenseID: l.ID, HardwareID: full, IP: "10.0.0.9", Now: later})
		if err != nil {
			return err
		}
		require.False(t, out.Added)
		acts, err = tx.Activations().List(ctx, l.ID)
		return err
	}))
	require.Len(t, acts, 1)
	require.Equal(t, short, acts[0].HardwareID)
	require.True(t, acts[0].LastSeenAt.Equal(later))
	require.Equal(t, "10.0.0.9", acts[0].LastIP)
}

func TestSessions_InvalidateAndCleanup(t *testing.T) {
	s := New(clock.NewFake(t0))
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		for i, id := range []string{"s1", "s2"} {
			if err := tx.Sessions().Create(ctx, &model.Session{ID: id, UserID: uid, IsValid: true, LicenseKey: "K", ExpiresAt: t0.Add(time.Duration(i+1) * time.Hour)}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		n, err := tx.Sessions().InvalidateLicense(ctx, "K")
		require.NoError(t, err)
		require.Equal(t, 2, n)
		n, err = tx.Sessions().InvalidateUser(ctx, uid, "")
		require.NoError(t, err)
		require.Zero(t, n, "already invalid")
		require.NoError(t, tx.Sessions().Invalidate(ctx, "missing"))
		n, err = tx.Sessions().DeleteExpired(ctx, t0.Add(90*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return nil
	}))
}

func TestFailNextAndCanceledContext(t *testing.T) {
	s := New(nil)
	boom := errors.New("disk gone")
	s.FailNext(boom)
	require.ErrorIs(t, s.InTx(context.Background(), func(repository.Tx) error { return nil }), boom)
	require.NoError(t, s.InTx(context.Background(), func(repository.Tx) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.InTx(ctx, func(repository.Tx) error { return nil }), context.Canceled)
}

func TestAudit_SeqStrictlyIncreasing(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
			seq, err := tx.Audit().Append(ctx, &model.AuditEvent{Kind: "session.created"})
			require.Greater(t, seq, last)
			last = seq
			return err
		}))
	}
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		page, err := tx.Audit().Page(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, int64(3), page[0].Seq)
		return nil
	}))
}
