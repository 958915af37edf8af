package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
)

const userColumns = `id, username, COALESCE(email, ''), password_hash, password_salt, role, totp_secret, is_active,
failed_attempts, lockout_count, locked_until, must_change_password, created_at, last_login, offline_until`

const (
	qUserInsert = `
INSERT INTO users (id, username, email, password_hash, password_salt, role, totp_secret, is_active, must_change_password, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	qUserByID       = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	qUserByUsername = `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	qUserByEmail    = `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	qUserLockRow    = `SELECT failed_attempts, lockout_count, locked_until FROM users WHERE id=$1 FOR UPDATE`
	qUserCounters   = `UPDATE users SET failed_attempts=$2, lockout_count=$3, locked_until=$4 WHERE id=$1`
	qUserSuccess    = `
UPDATE users
SET failed_attempts=0, lockout_count=0, locked_until=NULL, last_login=$2, offline_until=$3
WHERE id=$1`
	qUserPassword = `UPDATE users SET password_hash=$2, password_salt=$3, must_change_password=false WHERE id=$1`
	qUserActive   = `UPDATE users SET is_active=$2 WHERE id=$1`
	qUserTOTP     = `UPDATE users SET totp_secret=$2 WHERE id=$1`
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ q Querier }

// NewUserRepo constructs a user repository.
func NewUserRepo(q Querier) *UserRepo { return &UserRepo{q: q} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	_, err := r.q.Exec(ctx, qUserInsert, u.ID, u.Username, nullIfEmpty(u.Email), u.PasswordHash, u.PasswordSalt,
		string(u.Role), u.TOTPSecret, u.IsActive, u.MustChangePassword, u.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return scanUser(r.q.QueryRow(ctx, qUserByID, id))
}

// GetByUsername selects a user by folded username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.q.QueryRow(ctx, qUserByUsername, username))
}

// GetByEmail selects a user by folded email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, errs.ErrNotFound
	}
	return scanUser(r.q.QueryRow(ctx, qUserByEmail, email))
}

// RecordLoginFailure locks the user row, applies the lockout policy and writes the counters back.
func (r *UserRepo) RecordLoginFailure(ctx context.Context, id uuid.UUID, now time.Time, p limiter.Policy) (limiter.Outcome, error) {
	var st limiter.State
	if err := r.q.QueryRow(ctx, qUserLockRow, id).Scan(&st.FailedAttempts, &st.LockoutCount, &st.LockedUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return limiter.Outcome{}, errs.ErrNotFound
		}
		return limiter.Outcome{}, err
	}
	next, out := p.Failure(st, now)
	if _, err := r.q.Exec(ctx, qUserCounters, id, next.FailedAttempts, next.LockoutCount, next.LockedUntil); err != nil {
		return limiter.Outcome{}, err
	}
	return out, nil
}

// RecordLoginSuccess resets counters and stamps login times.
func (r *UserRepo) RecordLoginSuccess(ctx context.Context, id uuid.UUID, now, offlineUntil time.Time) error {
	return r.execOne(ctx, qUserSuccess, id, now, offlineUntil)
}

// UpdatePassword stores a new hash and salt.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt []byte) error {
	return r.execOne(ctx, qUserPassword, id, hash, salt)
}

// SetActive enables or disables the account.
func (r *UserRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.execOne(ctx, qUserActive, id, active)
}

// SetTOTPSecret sets or clears the TOTP secret.
func (r *UserRepo) SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error {
	return r.execOne(ctx, qUserTOTP, id, secret)
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.q.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PasswordSalt, &role, &u.TOTPSecret, &u.IsActive,
		&u.FailedAttempts, &u.LockoutCount, &u.LockedUntil, &u.MustChangePassword, &u.CreatedAt, &u.LastLogin, &u.OfflineUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}
