package grpcserver

import (
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
)

// args reads typed fields from a request struct.
type args struct{ f map[string]*structpb.Value }

func (a args) str(name string) string { return a.f[name].GetStringValue() }

func (a args) flag(name string) bool { return a.f[name].GetBoolValue() }

func (a args) has(name string) bool {
	_, ok := a.f[name]
	return ok
}

func (a args) num(name string) (int, error) {
	v, ok := a.f[name]
	if !ok {
		return 0, nil
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer", errs.ErrInvalidRequest, name)
	}
	return int(n), nil
}

func (a args) id(name string) (uuid.UUID, error) {
	id, err := uuid.FromString(a.str(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a uuid", errs.ErrInvalidRequest, name)
	}
	return id, nil
}

func (a args) when(name string) (*time.Time, error) {
	s := a.str(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not RFC 3339", errs.ErrInvalidRequest, name)
	}
	return &t, nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func strs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func licenseMap(l model.License) map[string]any {
	m := map[string]any{
		"type":        string(l.Type),
		"status":      string(l.Status),
		"features":    strs(l.Features),
		"max_devices": l.MaxDevices,
		"expires_at":  ts(l.ExpiresAt),
		"ephemeral":   l.Ephemeral,
	}
	if l.Key != "" {
		m["key"] = l.Key
		m["owner_user_id"] = l.OwnerUserID.String()
		m["created_at"] = ts(l.CreatedAt)
	}
	if l.BoundHardwareID != "" {
		m["bound"] = true
	}
	return m
}

func userMap(u model.UserView) map[string]any {
	m := map[string]any{
		"id":                   u.ID.String(),
		"username":             u.Username,
		"email":                u.Email,
		"role":                 string(u.Role),
		"two_factor":           u.TwoFactor,
		"is_active":            u.IsActive,
		"must_change_password": u.MustChangePassword,
	}
	if !u.CreatedAt.IsZero() {
		m["created_at"] = ts(u.CreatedAt)
	}
	if u.LastLogin != nil {
		m["last_login"] = ts(*u.LastLogin)
	}
	return m
}

func sessionMap(v model.SessionView) map[string]any {
	return map[string]any{
		"id":            v.ID,
		"user_id":       v.UserID.String(),
		"username":      v.Username,
		"role":          string(v.Role),
		"license_key":   v.LicenseKey,
		"created_at":    ts(v.CreatedAt),
		"expires_at":    ts(v.ExpiresAt),
		"last_activity": ts(v.LastActivity),
		"offline_mode":  v.OfflineMode,
	}
}

func eventMap(e model.AuditEvent) map[string]any {
	details := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return map[string]any{
		"seq":     e.Seq,
		"ts":      ts(e.TS),
		"actor":   e.Actor,
		"kind":    e.Kind,
		"subject": e.Subject,
		"details": details,
	}
}
