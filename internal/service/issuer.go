package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/licensekey"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
	"github.com/dlnk/licensecore/internal/validation"
)

const issueKeyAttempts = 3

// IssueRequest describes a license to issue.
type IssueRequest struct {
	Actor        Actor
	OwnerUserID  uuid.UUID
	Type         model.LicenseType
	DurationDays *int // nil means the policy default for Type
	MaxDevices   int  // 0 means 1
	BindHardware string
	OwnerName    string
	Email        string
}

// Issuer creates and administers licenses.
type Issuer struct {
	base
	codec         *licensekey.Codec
	localSessions repository.SessionRepository
	newKey        func() (string, error)
}

// NewIssuer constructs an Issuer.
func NewIssuer(d Deps) *Issuer {
	return &Issuer{base: newBase(d), codec: d.Codec, localSessions: d.LocalSessions, newKey: licensekey.NewFormattedKey}
}

func denied(format string, args ...any) error {
	return &errs.PolicyDeniedError{Policy: fmt.Sprintf(format, args...)}
}

// Issue creates a license and returns both its formatted and sealed key.
func (s *Issuer) Issue(ctx context.Context, req IssueRequest) (model.IssuedLicense, error) {
	if !req.Type.Valid() {
		return model.IssuedLicense{}, denied("unknown license type %q", req.Type)
	}
	if !s.policy.CanIssue(req.Actor.Role, req.Type) {
		return model.IssuedLicense{}, denied("role %s may not issue %s licenses", req.Actor.Role, req.Type)
	}
	days, ok := s.policy.Duration(req.Type)
	if req.DurationDays != nil {
		days, ok = *req.DurationDays, true
	}
	if !ok {
		return model.IssuedLicense{}, denied("no default duration for %s", req.Type)
	}
	if days < 0 {
		return model.IssuedLicense{}, denied("duration must not be negative")
	}
	maxDevices := req.MaxDevices
	if maxDevices == 0 {
		maxDevices = 1
	}
	if ceiling := s.policy.MaxDevices(req.Type); maxDevices < 1 || maxDevices > ceiling {
		return model.IssuedLicense{}, denied("max_devices must be between 1 and %d for %s", ceiling, req.Type)
	}
	if req.BindHardware != "" {
		if !validation.IsFullHWID(req.BindHardware) {
			return model.IssuedLicense{}, denied("binding requires a full hardware id")
		}
		if maxDevices > 1 {
			return model.IssuedLicense{}, denied("binding requires max_devices = 1")
		}
	}
	email, err := validation.Email(req.Email)
	if err != nil {
		return model.IssuedLicense{}, err
	}

	now := s.clk.Now()
	id, err := uuid.NewV4()
	if err != nil {
		return model.IssuedLicense{}, err
	}
	l := model.License{
		ID:              id,
		OwnerUserID:     req.OwnerUserID,
		Type:            req.Type,
		Status:          model.StatusActive,
		BoundHardwareID: req.BindHardware,
		Features:        s.policy.Features(req.Type),
		MaxDevices:      maxDevices,
		OwnerName:       req.OwnerName,
		Email:           email,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(days) * 24 * time.Hour),
		UpdatedAt:       now,
	}

	for attempt := 1; ; attempt++ {
		if l.Key, err = s.newKey(); err != nil {
			return model.IssuedLicense{}, err
		}
		err = s.run(ctx, "licenses.create", now, func(tx repository.Tx, b *audit.Batch) error {
			if err := tx.Licenses().Create(ctx, &l); err != nil {
				return err
			}
			if err := b.Add(ctx, req.Actor.ID, audit.LicenseCreated, l.Key, map[string]string{
				"type":        string(l.Type),
				"days":        strconv.Itoa(days),
				"max_devices": strconv.Itoa(l.MaxDevices),
				"checksum":    licensekey.Checksum(licensekey.Marshal(l)),
			}); err != nil {
				return err
			}
			if l.BoundHardwareID != "" {
				return b.Add(ctx, req.Actor.ID, audit.LicenseBound, l.Key, nil)
			}
			return nil
		})
		if errors.Is(err, errs.ErrAlreadyExists) {
			if attempt < issueKeyAttempts {
				continue
			}
			s.log.Warn("formatted key collisions exhausted", zap.Int("attempts", attempt))
			return model.IssuedLicense{}, &errs.TransientError{Op: "licenses.create", Err: errors.New("formatted key collision")}
		}
		if err != nil {
			return model.IssuedLicense{}, err
		}
		break
	}

	sealed, err := s.codec.Seal(l)
	if err != nil {
		return model.IssuedLicense{}, err
	}
	s.log.Info("license issued", zapKey(l.Key), zapType(l.Type))
	return model.IssuedLicense{FormattedKey: l.Key, SealedKey: sealed, Record: l}, nil
}

func formattedKey(key string) (string, error) {
	k := licensekey.Normalize(key)
	if !licensekey.IsFormatted(k) {
		return "", errs.ErrMalformedKey
	}
	return k, nil
}

func unknownIfMissing(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrUnknownKey
	}
	return err
}

// Extend pushes the expiry of a stored license forward by days.
func (s *Issuer) Extend(ctx context.Context, actor Actor, key string, days int) (*model.License, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", errs.ErrInvalidRequest)
	}
	k, err := formattedKey(key)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	var l *model.License
	err = s.run(ctx, "licenses.extend", now, func(tx repository.Tx, b *audit.Batch) error {
		var err error
		if l, err = tx.Licenses().Extend(ctx, k, days, now); err != nil {
			return unknownIfMissing(err)
		}
		return b.Add(ctx, actor.ID, audit.LicenseExtended, k, map[string]string{
			"days":       strconv.Itoa(days),
			"expires_at": l.ExpiresAt.Format(time.RFC3339),
			"status":     string(l.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Revoke permanently revokes a license, drops its activations and kills sessions bound to it.
// Revoking an already revoked license is a no-op.
func (s *Issuer) Revoke(ctx context.Context, actor Actor, key, reason string) error {
	k, err := formattedKey(key)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	err = s.run(ctx, "licenses.revoke", now, func(tx repository.Tx, b *audit.Batch) error {
		l, err := tx.Licenses().GetByKey(ctx, k)
		if err != nil {
			return unknownIfMissing(err)
		}
		changed, err := tx.Licenses().SetStatus(ctx, k, model.StatusRevoked, now)
		if err != nil || !changed {
			return err
		}
		if err := tx.Revocations().Add(ctx, model.RevocationEntry{LicenseKey: k, RevokedAt: now, Reason: reason, RevokedBy: actor.ID}); err != nil {
			return err
		}
		removed, err := tx.Activations().DeleteForLicense(ctx, l.ID)
		if err != nil {
			return err
		}
		killed, err := tx.Sessions().InvalidateLicense(ctx, k)
		if err != nil {
			return err
		}
		if err := b.Add(ctx, actor.ID, audit.LicenseRevoked, k, map[string]string{
			"reason":              reason,
			"activations_removed": strconv.Itoa(removed),
		}); err != nil {
			return err
		}
		if killed > 0 {
			return b.Add(ctx, actor.ID, audit.SessionInvalidated, k, map[string]string{"count": strconv.Itoa(killed)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.localSessions != nil {
		if _, err := s.localSessions.InvalidateLicense(ctx, k); err != nil {
			s.log.Warn("invalidate offline sessions", zapKey(k), zapErr(err))
		}
	}
	return nil
}

// Suspend takes an active or expired license out of service until reinstated.
func (s *Issuer) Suspend(ctx context.Context, actor Actor, key, reason string) error {
	return s.transition(ctx, actor, key, model.StatusSuspended, audit.LicenseSuspended, map[string]string{"reason": reason})
}

// Reinstate returns a suspended license to active. A license past its expiry reads as expired again.
func (s *Issuer) Reinstate(ctx context.Context, actor Actor, key string) error {
	return s.transition(ctx, actor, key, model.StatusActive, audit.LicenseReinstated, nil)
}

func (s *Issuer) transition(ctx context.Context, actor Actor, key string, to model.LicenseStatus, kind audit.Kind, details map[string]string) error {
	k, err := formattedKey(key)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	return s.run(ctx, "licenses.set_status", now, func(tx repository.Tx, b *audit.Batch) error {
		l, err := tx.Licenses().GetByKey(ctx, k)
		if err != nil {
			return unknownIfMissing(err)
		}
		switch {
		case l.Status == model.StatusRevoked:
			return errs.ErrRevoked
		case to == model.StatusActive && l.Status != model.StatusSuspended:
			return fmt.Errorf("%w: license is %s", errs.ErrInvalidTransition, l.Status)
		}
		changed, err := tx.Licenses().SetStatus(ctx, k, to, now)
		if err != nil || !changed {
			return err
		}
		return b.Add(ctx, actor.ID, kind, k, details)
	})
}

// Compact deletes licenses revoked or expired before horizon together with their activations.
func (s *Issuer) Compact(ctx context.Context, horizon time.Time) (int, error) {
	var n int
	err := s.run(ctx, "licenses.compact", s.clk.Now(), func(tx repository.Tx, _ *audit.Batch) error {
		var err error
		n, err = tx.Licenses().Compact(ctx, horizon)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("licenses compacted", zap.Int("count", n), zap.Time("horizon", horizon))
	}
	return n, nil
}
