package memory

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
)

type sessions struct{ t *tx }

func (r sessions) Create(_ context.Context, s *model.Session) error {
	if _, ok := r.t.st.sessions[s.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.t.st.sessions[s.ID] = *s
	return nil
}

func (r sessions) Get(_ context.Context, id string) (*model.Session, error) {
	s, ok := r.t.st.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (r sessions) Touch(_ context.Context, id string, now time.Time) error {
	s, ok := r.t.st.sessions[id]
	if !ok {
		return errs.ErrNotFound
	}
	s.LastActivity = now
	r.t.st.sessions[id] = s
	return nil
}

func (r sessions) Refresh(_ context.Context, id string, expiresAt, now time.Time) (bool, error) {
	s, ok := r.t.st.sessions[id]
	if !ok || !s.IsValid || !now.Before(s.ExpiresAt) {
		return false, nil
	}
	s.ExpiresAt = expiresAt
	s.LastActivity = now
	r.t.st.sessions[id] = s
	return true, nil
}

func (r sessions) Invalidate(_ context.Context, id string) error {
	if s, ok := r.t.st.sessions[id]; ok {
		s.IsValid = false
		r.t.st.sessions[id] = s
	}
	return nil
}

func (r sessions) InvalidateUser(_ context.Context, userID uuid.UUID, exceptID string) (int, error) {
	return r.invalidateWhere(func(s model.Session) bool { return s.UserID == userID && s.ID != exceptID }), nil
}

func (r sessions) InvalidateLicense(_ context.Context, key string) (int, error) {
	return r.invalidateWhere(func(s model.Session) bool { return key != "" && s.LicenseKey == key }), nil
}

func (r sessions) invalidateWhere(match func(model.Session) bool) int {
	n := 0
	for id, s := range r.t.st.sessions {
		if s.IsValid && match(s) {
			s.IsValid = false
			r.t.st.sessions[id] = s
			n++
		}
	}
	return n
}

func (r sessions) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for id, s := range r.t.st.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.t.st.sessions, id)
			n++
		}
	}
	return n, nil
}

type audit struct{ t *tx }

func (r audit) Append(_ context.Context, e *model.AuditEvent) (int64, error) {
	r.t.st.seq++
	e.Seq = r.t.st.seq
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	r.t.st.audit = append(r.t.st.audit, c)
	return e.Seq, nil
}

func (r audit) Page(_ context.Context, afterSeq int64, limit int) ([]model.AuditEvent, error) {
	var out []model.AuditEvent
	for _, e := range r.t.st.audit {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
