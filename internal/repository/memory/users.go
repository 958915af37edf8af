package memory

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
)

type users struct{ t *tx }

func (r users) Create(_ context.Context, u *model.User) error {
	for _, x := range r.t.st.users {
		if x.ID == u.ID || x.Username == u.Username || (u.Email != "" && x.Email == u.Email) {
			return errs.ErrAlreadyExists
		}
	}
	r.t.st.users[u.ID] = copyUser(*u)
	return nil
}

func (r users) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	u, ok := r.t.st.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := copyUser(u)
	return &c, nil
}

func (r users) GetByUsername(_ context.Context, username string) (*model.User, error) {
	for _, u := range r.t.st.users {
		if u.Username == username {
			c := copyUser(u)
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r users) GetByEmail(_ context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, errs.ErrNotFound
	}
	for _, u := range r.t.st.users {
		if u.Email == email {
			c := copyUser(u)
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r users) RecordLoginFailure(_ context.Context, id uuid.UUID, now time.Time, p limiter.Policy) (limiter.Outcome, error) {
	u, ok := r.t.st.users[id]
	if !ok {
		return limiter.Outcome{}, errs.ErrNotFound
	}
	st, out := p.Failure(limiter.State{
		FailedAttempts: u.FailedAttempts,
		LockoutCount:   u.LockoutCount,
		LockedUntil:    u.LockedUntil,
	}, now)
	u.FailedAttempts, u.LockoutCount, u.LockedUntil = st.FailedAttempts, st.LockoutCount, st.LockedUntil
	r.t.st.users[id] = u
	return out, nil
}

func (r users) RecordLoginSuccess(_ context.Context, id uuid.UUID, now, offlineUntil time.Time) error {
	return r.update(id, func(u *model.User) {
		u.FailedAttempts, u.LockoutCount, u.LockedUntil = 0, 0, nil
		u.LastLogin = &now
		u.OfflineUntil = &offlineUntil
	})
}

func (r users) UpdatePassword(_ context.Context, id uuid.UUID, hash, salt []byte) error {
	return r.update(id, func(u *model.User) {
		u.PasswordHash = append([]byte(nil), hash...)
		u.PasswordSalt = append([]byte(nil), salt...)
		u.MustChangePassword = false
	})
}

func (r users) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return r.update(id, func(u *model.User) { u.IsActive = active })
}

func (r users) SetTOTPSecret(_ context.Context, id uuid.UUID, secret string) error {
	return r.update(id, func(u *model.User) { u.TOTPSecret = secret })
}

func (r users) update(id uuid.UUID, fn func(u *model.User)) error {
	u, ok := r.t.st.users[id]
	if !ok {
		return errs.ErrNotFound
	}
	fn(&u)
	r.t.st.users[id] = u
	return nil
}

func copyUser(u model.User) model.User {
	u.PasswordHash = append([]byte(nil), u.PasswordHash...)
	u.PasswordSalt = append([]byte(nil), u.PasswordSalt...)
	return u
}
