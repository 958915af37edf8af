// Package bolt keeps offline credentials and offline sessions in a local bbolt file.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.etcd.io/bbolt"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

var (
	bucketCredentials = []byte("offline_credentials")
	bucketSessions    = []byte("sessions")
)

// Store is a single-file local database.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path with owner-only permissions.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCredentials, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }

// Credentials returns the offline credential repository.
func (s *Store) Credentials() *Credentials { return &Credentials{db: s.db} }

// Sessions returns the offline session repository.
func (s *Store) Sessions() *Sessions { return &Sessions{db: s.db} }

func get[T any](tx *bbolt.Tx, bucket []byte, key string) (*T, error) {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return nil, errs.ErrNotFound
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return &v, nil
}

func put(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

// Credentials implements OfflineCredentialRepository.
type Credentials struct{ db *bbolt.DB }

var _ repository.OfflineCredentialRepository = (*Credentials)(nil)

// Put stores or replaces a credential.
func (r *Credentials) Put(_ context.Context, c *model.OfflineCredential) error {
	return r.db.Update(func(tx *bbolt.Tx) error { return put(tx, bucketCredentials, c.Username, c) })
}

// Get loads a credential by folded username.
func (r *Credentials) Get(_ context.Context, username string) (*model.OfflineCredential, error) {
	var c *model.OfflineCredential
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = get[model.OfflineCredential](tx, bucketCredentials, username)
		return err
	})
	return c, err
}

// Delete removes a credential.
func (r *Credentials) Delete(_ context.Context, username string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(username))
	})
}

// RecordFailure applies one failed offline attempt inside a write transaction.
func (r *Credentials) RecordFailure(_ context.Context, username string, now time.Time, p limiter.Policy) (limiter.Outcome, error) {
	var out limiter.Outcome
	err := r.db.Update(func(tx *bbolt.Tx) error {
		c, err := get[model.OfflineCredential](tx, bucketCredentials, username)
		if err != nil {
			return err
		}
		var next limiter.State
		next, out = p.Failure(limiter.State{
			FailedAttempts: c.FailedAttempts,
			LockoutCount:   c.LockoutCount,
			LockedUntil:    c.LockedUntil,
		}, now)
		c.FailedAttempts, c.LockoutCount, c.LockedUntil = next.FailedAttempts, next.LockoutCount, next.LockedUntil
		return put(tx, bucketCredentials, username, c)
	})
	return out, err
}

// ClearFailures resets the lockout envelope.
func (r *Credentials) ClearFailures(_ context.Context, username string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		c, err := get[model.OfflineCredential](tx, bucketCredentials, username)
		if err != nil {
			return err
		}
		c.FailedAttempts, c.LockoutCount, c.LockedUntil = 0, 0, nil
		return put(tx, bucketCredentials, username, c)
	})
}

// Sessions implements SessionRepository for sessions created while offline.
type Sessions struct{ db *bbolt.DB }

var _ repository.SessionRepository = (*Sessions)(nil)

// Create stores a new session.
func (r *Sessions) Create(_ context.Context, s *model.Session) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(s.ID)) != nil {
			return errs.ErrAlreadyExists
		}
		return put(tx, bucketSessions, s.ID, s)
	})
}

// Get loads a session by ID.
func (r *Sessions) Get(_ context.Context, id string) (*model.Session, error) {
	var s *model.Session
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = get[model.Session](tx, bucketSessions, id)
		return err
	})
	return s, err
}

func (r *Sessions) update(id string, fn func(s *model.Session) bool) (bool, error) {
	changed := false
	err := r.db.Update(func(tx *bbolt.Tx) error {
		s, err := get[model.Session](tx, bucketSessions, id)
		if err != nil {
			return err
		}
		if changed = fn(s); !changed {
			return nil
		}
		return put(tx, bucketSessions, id, s)
	})
	return changed, err
}

// Touch stamps last activity.
func (r *Sessions) Touch(_ context.Context, id string, now time.Time) error {
	_, err := r.update(id, func(s *model.Session) bool { s.LastActivity = now; return true })
	return err
}

// Refresh extends a session that is valid at now.
func (r *Sessions) Refresh(_ context.Context, id string, expiresAt, now time.Time) (bool, error) {
	ok, err := r.update(id, func(s *model.Session) bool {
		if !s.IsValid || !now.Before(s.ExpiresAt) {
			return false
		}
		s.ExpiresAt, s.LastActivity = expiresAt, now
		return true
	})
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

// Invalidate marks one session invalid.
func (r *Sessions) Invalidate(_ context.Context, id string) error {
	_, err := r.update(id, func(s *model.Session) bool { s.IsValid = false; return true })
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

// InvalidateUser marks every session of a user except exceptID invalid.
func (r *Sessions) InvalidateUser(_ context.Context, userID uuid.UUID, exceptID string) (int, error) {
	return r.invalidateWhere(func(s *model.Session) bool { return s.UserID == userID && s.ID != exceptID })
}

// InvalidateLicense marks every session bound to key invalid.
func (r *Sessions) InvalidateLicense(_ context.Context, key string) (int, error) {
	return r.invalidateWhere(func(s *model.Session) bool { return key != "" && s.LicenseKey == key })
}

func (r *Sessions) invalidateWhere(match func(*model.Session) bool) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		type change struct {
			id string
			s  model.Session
		}
		var changes []change
		err := b.ForEach(func(k, v []byte) error {
			var s model.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.IsValid && match(&s) {
				s.IsValid = false
				changes = append(changes, change{string(k), s})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range changes {
			if err := put(tx, bucketSessions, c.id, c.s); err != nil {
				return err
			}
		}
		n = len(changes)
		return nil
	})
	return n, err
}

// DeleteExpired removes sessions whose expiry is not after now.
func (r *Sessions) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var s model.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if !now.Before(s.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
