package service

import (
	"context"
	"errors"
	"time"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/hwid"
	"github.com/dlnk/licensecore/internal/lease"
	"github.com/dlnk/licensecore/internal/licensekey"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
	"github.com/dlnk/licensecore/internal/validation"
)

type validateOptions struct {
	ip         string
	clientTime *time.Time
	unreliable bool
}

// ValidateOption tunes a single validation.
type ValidateOption func(*validateOptions)

// WithIP records the caller's address on the activation.
func WithIP(ip string) ValidateOption { return func(o *validateOptions) { o.ip = ip } }

// WithClientTime uses the client's clock when it is within the allowed skew of the server's.
func WithClientTime(t time.Time) ValidateOption {
	return func(o *validateOptions) { o.clientTime = &t }
}

// WithUnreliableHWID marks the hardware ID as a fallback that must never bind a license.
func WithUnreliableHWID() ValidateOption { return func(o *validateOptions) { o.unreliable = true } }

// Validator checks presented license keys and admits devices.
type Validator struct {
	base
	codec  *licensekey.Codec
	leases *lease.Signer
}

// NewValidator constructs a Validator.
func NewValidator(d Deps) *Validator {
	return &Validator{base: newBase(d), codec: d.Codec, leases: d.Leases}
}

func (v *Validator) now(o validateOptions) time.Time {
	srv := v.clk.Now()
	if o.clientTime == nil {
		return srv
	}
	d := o.clientTime.Sub(srv)
	if d < 0 {
		d = -d
	}
	if d > v.policy.ClockSkew {
		return srv
	}
	return o.clientTime.UTC().Truncate(time.Millisecond)
}

// Validate decodes key and, for stored licenses, enforces revocation, status, expiry and the device cap for hw.
func (v *Validator) Validate(ctx context.Context, key, hw string, opts ...ValidateOption) (model.ValidationResult, error) {
	var o validateOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := v.now(o)
	k := licensekey.Normalize(key)
	if k == "" {
		return model.ValidationResult{}, errs.ErrMalformedKey
	}
	if !licensekey.IsFormatted(k) {
		return v.validateSealed(k, hw, now)
	}

	var (
		res       model.ValidationResult
		domainErr error
	)
	err := v.run(ctx, "licenses.validate", now, func(tx repository.Tx, b *audit.Batch) error {
		l, err := v.codec.Decode(ctx, k, tx.Licenses())
		if errors.Is(err, errs.ErrUnknownKey) {
			domainErr = err
			return nil
		}
		if err != nil {
			return err
		}
		switch _, err := tx.Revocations().Get(ctx, l.Key); {
		case err == nil:
			domainErr = errs.ErrRevoked
			return nil
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
		switch l.Status {
		case model.StatusRevoked:
			domainErr = errs.ErrRevoked
			return nil
		case model.StatusSuspended:
			domainErr = errs.ErrSuspended
			return nil
		}
		if l.Status == model.StatusExpired || !now.Before(l.ExpiresAt) {
			changed, err := tx.Licenses().SetStatus(ctx, l.Key, model.StatusExpired, now)
			if err != nil {
				return err
			}
			if changed {
				if err := b.Add(ctx, model.ActorSystem, audit.LicenseExpired, l.Key, nil); err != nil {
					return err
				}
			}
			domainErr = errs.ErrExpired
			return nil
		}

		if err := validation.HWID(hw); err != nil {
			domainErr = err
			return nil
		}
		out, err := tx.Licenses().Activate(ctx, repository.ActivationRequest{
			LicenseID:  l.ID,
			HardwareID: hw,
			IP:         o.ip,
			Now:        now,
			AllowBind:  validation.IsFullHWID(hw) && !o.unreliable,
		})
		if errors.Is(err, errs.ErrDeviceCap) || errors.Is(err, errs.ErrHardwareMismatch) {
			domainErr = err
			return nil
		}
		if err != nil {
			return err
		}

		details := map[string]string{"hwid": hwid.Short(hw), "ip": o.ip}
		kind := audit.ActivationSeen
		if out.Added {
			kind = audit.ActivationAdded
		}
		if err := b.Add(ctx, model.ActorSystem, kind, l.Key, details); err != nil {
			return err
		}
		if out.Bound {
			l.BoundHardwareID = hw
			if err := b.Add(ctx, model.ActorSystem, audit.LicenseBound, l.Key, map[string]string{"hwid": hwid.Short(hw)}); err != nil {
				return err
			}
		}
		res = v.result(*l, now)
		return nil
	})
	if err != nil {
		v.log.Warn("validate failed", zapKey(k), zapErr(err))
		return model.ValidationResult{}, err
	}
	if domainErr != nil {
		return model.ValidationResult{}, domainErr
	}
	if v.leases != nil {
		tok, err := v.leases.Issue(&res.Record, hw, now)
		if err != nil {
			v.log.Warn("sign lease", zapKey(k), zapErr(err))
		}
		res.Lease = tok
	}
	return res, nil
}

// validateSealed applies the checks available without the store: expiry, features and an embedded binding.
func (v *Validator) validateSealed(key, hw string, now time.Time) (model.ValidationResult, error) {
	l, err := v.codec.Unseal(key)
	if err != nil {
		return model.ValidationResult{}, err
	}
	if !now.Before(l.ExpiresAt) {
		return model.ValidationResult{}, errs.ErrExpired
	}
	if l.BoundHardwareID != "" {
		if err := validation.HWID(hw); err != nil {
			return model.ValidationResult{}, err
		}
		if !hwid.Matches(l.BoundHardwareID, hw) {
			return model.ValidationResult{}, errs.ErrHardwareMismatch
		}
	}
	res := v.result(l, now)
	res.Ephemeral = true
	return res, nil
}

func (v *Validator) result(l model.License, now time.Time) model.ValidationResult {
	days := daysRemaining(l.ExpiresAt, now)
	res := model.ValidationResult{
		Record:        l,
		Features:      append([]string(nil), l.Features...),
		DaysRemaining: days,
		Ephemeral:     l.Ephemeral,
	}
	if days <= v.policy.ExpiringSoonDays {
		res.Warning = model.WarnExpiringSoon
	}
	return res
}

// daysRemaining rounds the time left up to whole days.
func daysRemaining(expires, now time.Time) int {
	left := expires.Sub(now)
	if left <= 0 {
		return 0
	}
	const day = 24 * time.Hour
	return int((left + day - 1) / day)
}
