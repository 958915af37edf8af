package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
)

const (
	qSessionInsert = `
INSERT INTO sessions (id, user_id, username, role, license_key, ip, user_agent,
                      created_at, expires_at, last_activity, is_valid, offline_mode)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	qSessionGet = `
SELECT id, user_id, username, role, license_key, ip, user_agent,
       created_at, expires_at, last_activity, is_valid, offline_mode
FROM sessions WHERE id=$1`
	qSessionTouch          = `UPDATE sessions SET last_activity=$2 WHERE id=$1`
	qSessionRefresh        = `UPDATE sessions SET expires_at=$2, last_activity=$3 WHERE id=$1 AND is_valid AND expires_at > $3`
	qSessionInvalidate     = `UPDATE sessions SET is_valid=false WHERE id=$1`
	qSessionInvalidateUser = `UPDATE sessions SET is_valid=false WHERE user_id=$1 AND id <> $2 AND is_valid`
	qSessionInvalidateKey  = `UPDATE sessions SET is_valid=false WHERE license_key=$1 AND license_key <> '' AND is_valid`
	qSessionDeleteExpired  = `DELETE FROM sessions WHERE expires_at <= $1`

	qAuditInsert = `
INSERT INTO audit.events (ts, actor, kind, subject, details)
VALUES ($1, $2, $3, $4, $5)
RETURNING seq`
	qAuditPage = `
SELECT seq, ts, actor, kind, subject, details
FROM audit.events WHERE seq > $1
ORDER BY seq LIMIT $2`
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ q Querier }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(q Querier) *SessionRepo { return &SessionRepo{q: q} }

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	_, err := r.q.Exec(ctx, qSessionInsert, s.ID, s.UserID, s.Username, string(s.Role), s.LicenseKey, s.IP, s.UserAgent,
		s.CreatedAt, s.ExpiresAt, s.LastActivity, s.IsValid, s.OfflineMode)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	var (
		s    model.Session
		role string
	)
	err := r.q.QueryRow(ctx, qSessionGet, id).Scan(&s.ID, &s.UserID, &s.Username, &role, &s.LicenseKey, &s.IP, &s.UserAgent,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActivity, &s.IsValid, &s.OfflineMode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	s.Role = model.Role(role)
	return &s, nil
}

// Touch stamps last_activity.
func (r *SessionRepo) Touch(ctx context.Context, id string, now time.Time) error {
	tag, err := r.q.Exec(ctx, qSessionTouch, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Refresh extends a session that is still valid at now.
func (r *SessionRepo) Refresh(ctx context.Context, id string, expiresAt, now time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, qSessionRefresh, id, expiresAt, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Invalidate marks one session invalid.
func (r *SessionRepo) Invalidate(ctx context.Context, id string) error {
	_, err := r.q.Exec(ctx, qSessionInvalidate, id)
	return err
}

// InvalidateUser marks every valid session of a user except exceptID invalid.
func (r *SessionRepo) InvalidateUser(ctx context.Context, userID uuid.UUID, exceptID string) (int, error) {
	return r.execCount(ctx, qSessionInvalidateUser, userID, exceptID)
}

// InvalidateLicense marks every valid session bound to key invalid.
func (r *SessionRepo) InvalidateLicense(ctx context.Context, key string) (int, error) {
	return r.execCount(ctx, qSessionInvalidateKey, key)
}

// DeleteExpired removes sessions past their expiry.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return r.execCount(ctx, qSessionDeleteExpired, now)
}

func (r *SessionRepo) execCount(ctx context.Context, q string, args ...any) (int, error) {
	tag, err := r.q.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AuditRepo implements AuditRepository on the audit.events table.
type AuditRepo struct{ q Querier }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(q Querier) *AuditRepo { return &AuditRepo{q: q} }

// Append inserts e and stores the assigned sequence number in it.
func (r *AuditRepo) Append(ctx context.Context, e *model.AuditEvent) (int64, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return 0, err
	}
	if err := r.q.QueryRow(ctx, qAuditInsert, e.TS, e.Actor, e.Kind, e.Subject, details).Scan(&e.Seq); err != nil {
		return 0, err
	}
	return e.Seq, nil
}

// Page returns events after afterSeq in ascending order.
func (r *AuditRepo) Page(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEvent, error) {
	rows, err := r.q.Query(ctx, qAuditPage, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			e   model.AuditEvent
			raw []byte
		)
		if err := rows.Scan(&e.Seq, &e.TS, &e.Actor, &e.Kind, &e.Subject, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
