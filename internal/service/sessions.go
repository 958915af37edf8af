package service

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/crypto"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

var sessionIDRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// CreateSessionRequest describes a session to mint.
type CreateSessionRequest struct {
	UserID     uuid.UUID
	Username   string
	Role       model.Role
	LicenseKey string
	IP         string
	UserAgent  string
	Offline    bool
	TTL        time.Duration // 0 means the policy session TTL
}

// Sessions manages login sessions in the primary store and, for offline logins, the local store.
type Sessions struct {
	base
	local repository.SessionRepository
}

// NewSessions constructs a session manager.
func NewSessions(d Deps) *Sessions {
	return &Sessions{base: newBase(d), local: d.LocalSessions}
}

func (s *Sessions) mint(req CreateSessionRequest, now time.Time) (model.Session, error) {
	id, err := crypto.RandomToken(32)
	if err != nil {
		return model.Session{}, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.policy.SessionTTL
	}
	return model.Session{
		ID:           id,
		UserID:       req.UserID,
		Username:     req.Username,
		Role:         req.Role,
		LicenseKey:   req.LicenseKey,
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		IsValid:      true,
		OfflineMode:  req.Offline,
	}, nil
}

// createIn persists a fresh session inside an open transaction.
func (s *Sessions) createIn(ctx context.Context, tx repository.Tx, b *audit.Batch, req CreateSessionRequest, now time.Time) (model.Session, error) {
	sess, err := s.mint(req, now)
	if err != nil {
		return model.Session{}, err
	}
	if err := tx.Sessions().Create(ctx, &sess); err != nil {
		return model.Session{}, err
	}
	if err := b.Add(ctx, req.UserID.String(), audit.SessionCreated, req.UserID.String(), map[string]string{"ip": req.IP}); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// createLocal persists an offline session on the local machine.
func (s *Sessions) createLocal(ctx context.Context, req CreateSessionRequest, now time.Time) (model.Session, error) {
	if s.local == nil {
		return model.Session{}, errors.New("no local session store configured")
	}
	sess, err := s.mint(req, now)
	if err != nil {
		return model.Session{}, err
	}
	if err := s.local.Create(ctx, &sess); err != nil {
		return model.Session{}, errs.Transient("local_sessions.create", err)
	}
	s.log.Info("offline session created", zapPrincipal(req.Username))
	return sess, nil
}

// Create mints a session. Offline sessions go to the local store.
func (s *Sessions) Create(ctx context.Context, req CreateSessionRequest) (model.SessionView, error) {
	now := s.clk.Now()
	if req.Offline {
		sess, err := s.createLocal(ctx, req, now)
		return sess.View(), err
	}
	var sess model.Session
	err := s.run(ctx, "sessions.create", now, func(tx repository.Tx, b *audit.Batch) error {
		var err error
		sess, err = s.createIn(ctx, tx, b, req, now)
		return err
	})
	if err != nil {
		return model.SessionView{}, err
	}
	return sess.View(), nil
}

// Validate returns the session view, or nil when the session is missing, invalid or expired.
// An expired session is marked invalid as a side effect.
func (s *Sessions) Validate(ctx context.Context, id string) (*model.SessionView, error) {
	if !sessionIDRe.MatchString(id) {
		return nil, nil
	}
	now := s.clk.Now()
	var (
		view  *model.SessionView
		found bool
	)
	err := s.run(ctx, "sessions.validate", now, func(tx repository.Tx, b *audit.Batch) error {
		repo := tx.Sessions()
		sess, err := repo.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		view, err = s.check(ctx, repo, sess, now)
		return err
	})
	if found && err == nil {
		return view, nil
	}
	if s.local != nil {
		sess, lerr := s.local.Get(ctx, id)
		if lerr == nil {
			return s.check(ctx, s.local, sess, now)
		}
		if !errors.Is(lerr, errs.ErrNotFound) {
			s.log.Warn("local session lookup", zapErr(lerr))
		}
	}
	return nil, err
}

func (s *Sessions) check(ctx context.Context, repo repository.SessionRepository, sess *model.Session, now time.Time) (*model.SessionView, error) {
	if !sess.IsValid {
		return nil, nil
	}
	if !now.Before(sess.ExpiresAt) {
		if err := repo.Invalidate(ctx, sess.ID); err != nil {
			return nil, errs.Transient("sessions.invalidate", err)
		}
		return nil, nil
	}
	if err := repo.Touch(ctx, sess.ID, now); err != nil {
		return nil, errs.Transient("sessions.touch", err)
	}
	sess.LastActivity = now
	v := sess.View()
	return &v, nil
}

// Refresh extends a currently valid session by ttl (0 means the policy TTL).
func (s *Sessions) Refresh(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if !sessionIDRe.MatchString(id) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = s.policy.SessionTTL
	}
	now := s.clk.Now()
	var ok bool
	err := s.run(ctx, "sessions.refresh", now, func(tx repository.Tx, b *audit.Batch) error {
		var err error
		if ok, err = tx.Sessions().Refresh(ctx, id, now.Add(ttl), now); err != nil || !ok {
			return err
		}
		sess, err := tx.Sessions().Get(ctx, id)
		if err != nil {
			return err
		}
		return b.Add(ctx, sess.UserID.String(), audit.SessionRefreshed, sess.UserID.String(), nil)
	})
	if err != nil || ok || s.local == nil {
		return ok, err
	}
	ok, err = s.local.Refresh(ctx, id, now.Add(ttl), now)
	return ok, errs.Transient("local_sessions.refresh", err)
}

// Invalidate ends one session. Unknown or already invalid sessions are not an error.
func (s *Sessions) Invalidate(ctx context.Context, id string) error {
	if !sessionIDRe.MatchString(id) {
		return nil
	}
	now := s.clk.Now()
	err := s.run(ctx, "sessions.invalidate", now, func(tx repository.Tx, b *audit.Batch) error {
		sess, err := tx.Sessions().Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sess.IsValid {
			return nil
		}
		if err := tx.Sessions().Invalidate(ctx, id); err != nil {
			return err
		}
		return b.Add(ctx, sess.UserID.String(), audit.SessionInvalidated, sess.UserID.String(), map[string]string{"count": "1"})
	})
	if err != nil {
		return err
	}
	if s.local != nil {
		return errs.Transient("local_sessions.invalidate", s.local.Invalidate(ctx, id))
	}
	return nil
}

// InvalidateUser ends every session of a user except keepID.
func (s *Sessions) InvalidateUser(ctx context.Context, userID uuid.UUID, keepID string) (int, error) {
	now := s.clk.Now()
	var n int
	err := s.run(ctx, "sessions.invalidate_user", now, func(tx repository.Tx, b *audit.Batch) error {
		var err error
		n, err = s.invalidateUserIn(ctx, tx, b, userID, keepID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.local != nil {
		m, err := s.local.InvalidateUser(ctx, userID, keepID)
		if err != nil {
			return n, errs.Transient("local_sessions.invalidate_user", err)
		}
		n += m
	}
	return n, nil
}

func (s *Sessions) invalidateUserIn(ctx context.Context, tx repository.Tx, b *audit.Batch, userID uuid.UUID, keepID string) (int, error) {
	n, err := tx.Sessions().InvalidateUser(ctx, userID, keepID)
	if err != nil || n == 0 {
		return n, err
	}
	return n, b.Add(ctx, userID.String(), audit.SessionInvalidated, userID.String(), map[string]string{"count": strconv.Itoa(n)})
}

// CleanupExpired deletes sessions past their expiry from both stores.
func (s *Sessions) CleanupExpired(ctx context.Context) (int, error) {
	now := s.clk.Now()
	var n int
	err := s.run(ctx, "sessions.cleanup", now, func(tx repository.Tx, _ *audit.Batch) error {
		var err error
		n, err = tx.Sessions().DeleteExpired(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.local != nil {
		m, err := s.local.DeleteExpired(ctx, now)
		if err != nil {
			return n, errs.Transient("local_sessions.cleanup", err)
		}
		n += m
	}
	if n > 0 {
		s.log.Info("expired sessions removed", zap.Int("count", n))
	}
	return n, nil
}
