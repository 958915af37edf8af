package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

// licenseColumns reports an active license past its expiry as expired without writing it back.
const licenseColumns = `id, license_key, owner_user_id, license_type,
CASE WHEN status = 'active' AND expires_at <= now() THEN 'expired' ELSE status END,
COALESCE(bound_hardware_id, ''), features, max_devices, owner_name, email, created_at, expires_at, updated_at`

const rawLicenseColumns = `id, license_key, owner_user_id, license_type, status,
COALESCE(bound_hardware_id, ''), features, max_devices, owner_name, email, created_at, expires_at, updated_at`

const (
	qLicenseInsert = `
INSERT INTO licenses (id, license_key, owner_user_id, license_type, status, bound_hardware_id, features,
                      max_devices, owner_name, email, created_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	qLicenseByKey      = `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key=$1`
	qLicenseByID       = `SELECT ` + licenseColumns + ` FROM licenses WHERE id=$1`
	qLicenseLockByKey  = `SELECT ` + rawLicenseColumns + ` FROM licenses WHERE license_key=$1 FOR UPDATE`
	qLicenseLockByID   = `SELECT ` + rawLicenseColumns + ` FROM licenses WHERE id=$1 FOR UPDATE`
	qLicenseSetStatus  = `UPDATE licenses SET status=$2, updated_at=$3 WHERE license_key=$1`
	qLicenseBind       = `UPDATE licenses SET bound_hardware_id=$2, updated_at=$3 WHERE license_key=$1 AND bound_hardware_id IS NULL`
	qLicenseExtend     = `UPDATE licenses SET expires_at=$2, status=$3, updated_at=$4 WHERE license_key=$1`
	qLicenseCompact    = `DELETE FROM licenses WHERE (status = 'revoked' AND updated_at < $1) OR expires_at < $1`
	qActivationCount   = `SELECT COUNT(*) FROM activations WHERE license_id=$1`
	qActivationExists  = `SELECT EXISTS (SELECT 1 FROM activations WHERE license_id=$1 AND hardware_id=$2)`
	qActivationUpsert  = `
INSERT INTO activations (license_id, hardware_id, first_activated_at, last_seen_at, last_ip)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (license_id, hardware_id) DO UPDATE
SET last_seen_at = EXCLUDED.last_seen_at, last_ip = EXCLUDED.last_ip`
	qActivationList = `
SELECT license_id, hardware_id, first_activated_at, last_seen_at, last_ip
FROM activations WHERE license_id=$1
ORDER BY first_activated_at, hardware_id`
	qActivationDelete = `DELETE FROM activations WHERE license_id=$1`
	qRevocationInsert = `INSERT INTO revocations (license_key, revoked_at, reason, revoked_by) VALUES ($1, $2, $3, $4)`
	qRevocationGet    = `
SELECT license_key, revoked_at, reason, revoked_by
FROM revocations WHERE license_key=$1
ORDER BY revoked_at, id LIMIT 1`
)

// LicenseRepo implements LicenseRepository using PostgreSQL.
type LicenseRepo struct{ q Querier }

// NewLicenseRepo constructs a license repository.
func NewLicenseRepo(q Querier) *LicenseRepo { return &LicenseRepo{q: q} }

// Create inserts a license row.
func (r *LicenseRepo) Create(ctx context.Context, l *model.License) error {
	features := l.Features
	if features == nil {
		features = []string{}
	}
	_, err := r.q.Exec(ctx, qLicenseInsert, l.ID, l.Key, l.OwnerUserID, string(l.Type), string(l.Status),
		nullIfEmpty(l.BoundHardwareID), features, l.MaxDevices, l.OwnerName, l.Email, l.CreatedAt, l.ExpiresAt, l.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByKey selects a license by formatted key.
func (r *LicenseRepo) GetByKey(ctx context.Context, key string) (*model.License, error) {
	return scanLicense(r.q.QueryRow(ctx, qLicenseByKey, key))
}

// GetByID selects a license by ID.
func (r *LicenseRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.License, error) {
	return scanLicense(r.q.QueryRow(ctx, qLicenseByID, id))
}

// SetStatus locks the row, validates the transition and writes the new status.
func (r *LicenseRepo) SetStatus(ctx context.Context, key string, status model.LicenseStatus, now time.Time) (bool, error) {
	l, err := scanLicense(r.q.QueryRow(ctx, qLicenseLockByKey, key))
	if err != nil {
		return false, err
	}
	if !l.Status.CanTransitionTo(status) {
		return false, errs.ErrInvalidTransition
	}
	if l.Status == status {
		return false, nil
	}
	if _, err := r.q.Exec(ctx, qLicenseSetStatus, key, string(status), now); err != nil {
		return false, err
	}
	return true, nil
}

// BindHardware binds hwid when the license is still unbound.
func (r *LicenseRepo) BindHardware(ctx context.Context, key, hwid string, now time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, qLicenseBind, key, hwid, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Extend pushes expires_at forward under a row lock.
func (r *LicenseRepo) Extend(ctx context.Context, key string, days int, now time.Time) (*model.License, error) {
	l, err := scanLicense(r.q.QueryRow(ctx, qLicenseLockByKey, key))
	if err != nil {
		return nil, err
	}
	if l.Status == model.StatusRevoked {
		return nil, errs.ErrRevoked
	}
	l.ExpiresAt = l.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	if l.Status == model.StatusExpired && now.Before(l.ExpiresAt) {
		l.Status = model.StatusActive
	}
	l.UpdatedAt = now
	if _, err := r.q.Exec(ctx, qLicenseExtend, key, l.ExpiresAt, string(l.Status), now); err != nil {
		return nil, err
	}
	l.Status = l.EffectiveStatus(now)
	return l, nil
}

// Activate serializes concurrent activations of one license on its row lock.
func (r *LicenseRepo) Activate(ctx context.Context, req repository.ActivationRequest) (model.ActivationOutcome, error) {
	l, err := scanLicense(r.q.QueryRow(ctx, qLicenseLockByID, req.LicenseID))
	if err != nil {
		return model.ActivationOutcome{}, err
	}
	var (
		count  int
		exists bool
	)
	if err := r.q.QueryRow(ctx, qActivationCount, req.LicenseID).Scan(&count); err != nil {
		return model.ActivationOutcome{}, err
	}
	if err := r.q.QueryRow(ctx, qActivationExists, req.LicenseID, req.HardwareID).Scan(&exists); err != nil {
		return model.ActivationOutcome{}, err
	}

	d, err := repository.DecideActivation(repository.ActivationState{
		MaxDevices: l.MaxDevices,
		BoundHWID:  l.BoundHardwareID,
		Count:      count,
		Exists:     exists,
	}, req)
	if err != nil {
		return model.ActivationOutcome{}, err
	}

	out := model.ActivationOutcome{Added: d.Insert, Count: count}
	if d.Insert || d.Touch {
		if err := NewActivationRepo(r.q).Upsert(ctx, model.Activation{
			LicenseID:        req.LicenseID,
			HardwareID:       d.Target(req),
			FirstActivatedAt: req.Now,
			LastSeenAt:       req.Now,
			LastIP:           req.IP,
		}); err != nil {
			return model.ActivationOutcome{}, err
		}
		if d.Insert {
			out.Count++
		}
	}
	if d.Bind {
		if out.Bound, err = r.BindHardware(ctx, l.Key, req.HardwareID, req.Now); err != nil {
			return model.ActivationOutcome{}, err
		}
	}
	return out, nil
}

// Compact deletes stale licenses; activations follow via ON DELETE CASCADE.
func (r *LicenseRepo) Compact(ctx context.Context, horizon time.Time) (int, error) {
	tag, err := r.q.Exec(ctx, qLicenseCompact, horizon)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanLicense(row pgx.Row) (*model.License, error) {
	var (
		l            model.License
		typ, status  string
		maxDevices32 int32
	)
	err := row.Scan(&l.ID, &l.Key, &l.OwnerUserID, &typ, &status, &l.BoundHardwareID, &l.Features, &maxDevices32,
		&l.OwnerName, &l.Email, &l.CreatedAt, &l.ExpiresAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	l.Type = model.LicenseType(typ)
	l.Status = model.LicenseStatus(status)
	l.MaxDevices = int(maxDevices32)
	return &l, nil
}

// ActivationRepo implements ActivationRepository using PostgreSQL.
type ActivationRepo struct{ q Querier }

// NewActivationRepo constructs an activation repository.
func NewActivationRepo(q Querier) *ActivationRepo { return &ActivationRepo{q: q} }

// Upsert inserts an activation or refreshes its last-seen fields.
func (r *ActivationRepo) Upsert(ctx context.Context, a model.Activation) error {
	if a.FirstActivatedAt.IsZero() {
		a.FirstActivatedAt = a.LastSeenAt
	}
	_, err := r.q.Exec(ctx, qActivationUpsert, a.LicenseID, a.HardwareID, a.FirstActivatedAt, a.LastSeenAt, a.LastIP)
	return err
}

// Count returns the number of activations of a license.
func (r *ActivationRepo) Count(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, qActivationCount, licenseID).Scan(&n)
	return n, err
}

// List returns activations ordered by first activation.
func (r *ActivationRepo) List(ctx context.Context, licenseID uuid.UUID) ([]model.Activation, error) {
	rows, err := r.q.Query(ctx, qActivationList, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Activation
	for rows.Next() {
		var a model.Activation
		if err := rows.Scan(&a.LicenseID, &a.HardwareID, &a.FirstActivatedAt, &a.LastSeenAt, &a.LastIP); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteForLicense removes every activation of a license.
func (r *ActivationRepo) DeleteForLicense(ctx context.Context, licenseID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, qActivationDelete, licenseID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RevocationRepo implements RevocationRepository using PostgreSQL.
type RevocationRepo struct{ q Querier }

// NewRevocationRepo constructs a revocation repository.
func NewRevocationRepo(q Querier) *RevocationRepo { return &RevocationRepo{q: q} }

// Add appends a revocation entry.
func (r *RevocationRepo) Add(ctx context.Context, e model.RevocationEntry) error {
	_, err := r.q.Exec(ctx, qRevocationInsert, e.LicenseKey, e.RevokedAt, e.Reason, e.RevokedBy)
	return err
}

// Get returns the earliest revocation entry of key.
func (r *RevocationRepo) Get(ctx context.Context, key string) (*model.RevocationEntry, error) {
	var e model.RevocationEntry
	err := r.q.QueryRow(ctx, qRevocationGet, key).Scan(&e.LicenseKey, &e.RevokedAt, &e.Reason, &e.RevokedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
