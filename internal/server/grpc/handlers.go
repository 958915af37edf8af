package grpcserver

import (
	"context"
	"fmt"
	"time"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/service"
)

func (s *Server) validate(ctx context.Context, in args) (map[string]any, error) {
	opts := []service.ValidateOption{service.WithIP(peerHost(ctx))}
	if in.flag("unreliable_hwid") {
		opts = append(opts, service.WithUnreliableHWID())
	}
	clientTime, err := in.when("client_time")
	if err != nil {
		return nil, err
	}
	if clientTime != nil {
		opts = append(opts, service.WithClientTime(*clientTime))
	}
	res, err := s.core.Validate(ctx, in.str("key"), in.str("hwid"), opts...)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"license":        licenseMap(res.Record),
		"features":       strs(res.Features),
		"days_remaining": res.DaysRemaining,
		"ephemeral":      res.Ephemeral,
	}
	if res.Warning != "" {
		out["warning"] = string(res.Warning)
	}
	if res.Lease != "" {
		out["lease"] = res.Lease
	}
	return out, nil
}

func (s *Server) verifyLease(_ context.Context, in args) (map[string]any, error) {
	c, err := s.core.VerifyLease(in.str("lease"), in.str("hwid"))
	if err != nil {
		return nil, fmt.Errorf("%w: lease rejected", errs.ErrInvalidRequest)
	}
	return map[string]any{
		"key":             c.LicenseKey,
		"type":            c.LicenseType,
		"features":        strs(c.Features),
		"license_expires": ts(time.Unix(c.LicenseExpires, 0)),
		"lease_expires":   ts(c.ExpiresAt.Time),
	}, nil
}

func (s *Server) register(ctx context.Context, in args) (map[string]any, error) {
	u, err := s.core.Register(ctx, service.RegisterRequest{
		Username: in.str("username"),
		Email:    in.str("email"),
		Password: in.str("password"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userMap(u)}, nil
}

func (s *Server) login(ctx context.Context, in args) (map[string]any, error) {
	res, err := s.core.Login(ctx, service.LoginRequest{
		Principal:  in.str("principal"),
		Password:   in.str("password"),
		TOTP:       in.str("totp"),
		IP:         peerHost(ctx),
		UserAgent:  in.str("user_agent"),
		LicenseKey: in.str("license_key"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sessionMap(res.Session), "user": userMap(res.User)}, nil
}

func (s *Server) logout(ctx context.Context, _ args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	return map[string]any{}, s.core.Logout(ctx, v.ID)
}

func (s *Server) whoAmI(ctx context.Context, _ args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	return map[string]any{"session": sessionMap(*v)}, nil
}

func (s *Server) refreshSession(ctx context.Context, in args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	hours, err := in.num("ttl_hours")
	if err != nil {
		return nil, err
	}
	ok, err := s.core.RefreshSession(ctx, v.ID, time.Duration(hours)*time.Hour)
	if err != nil {
		return nil, err
	}
	return map[string]any{"refreshed": ok}, nil
}

func (s *Server) changePassword(ctx context.Context, in args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	err := s.core.ChangePassword(ctx, service.ChangePasswordRequest{
		UserID:        v.UserID,
		KeepSessionID: v.ID,
		Old:           in.str("old_password"),
		New:           in.str("new_password"),
	})
	return map[string]any{}, err
}

func (s *Server) enrollTOTP(ctx context.Context, _ args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	uri, err := s.core.EnrollTOTP(ctx, v.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uri": uri}, nil
}

func (s *Server) invalidateUserSessions(ctx context.Context, in args) (map[string]any, error) {
	v, _ := SessionFromCtx(ctx)
	target := v.UserID
	if in.has("user_id") {
		id, err := in.id("user_id")
		if err != nil {
			return nil, err
		}
		target = id
	}
	n, err := s.core.InvalidateUserSessions(ctx, actorFrom(ctx), target)
	if err != nil {
		return nil, err
	}
	return map[string]any{"invalidated": n}, nil
}

func (s *Server) issue(ctx context.Context, in args) (map[string]any, error) {
	owner, err := in.id("owner_user_id")
	if err != nil {
		return nil, err
	}
	maxDevices, err := in.num("max_devices")
	if err != nil {
		return nil, err
	}
	req := service.IssueRequest{
		Actor:        actorFrom(ctx),
		OwnerUserID:  owner,
		Type:         model.LicenseType(in.str("type")),
		MaxDevices:   maxDevices,
		BindHardware: in.str("bind_hwid"),
		OwnerName:    in.str("owner_name"),
		Email:        in.str("email"),
	}
	if in.has("duration_days") {
		d, err := in.num("duration_days")
		if err != nil {
			return nil, err
		}
		req.DurationDays = &d
	}
	out, err := s.core.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"formatted_key": out.FormattedKey,
		"sealed_key":    out.SealedKey,
		"license":       licenseMap(out.Record),
	}, nil
}

func (s *Server) revoke(ctx context.Context, in args) (map[string]any, error) {
	return map[string]any{}, s.core.Revoke(ctx, actorFrom(ctx), in.str("key"), in.str("reason"))
}

func (s *Server) extend(ctx context.Context, in args) (map[string]any, error) {
	d, err := in.num("days")
	if err != nil {
		return nil, err
	}
	l, err := s.core.Extend(ctx, actorFrom(ctx), in.str("key"), d)
	if err != nil {
		return nil, err
	}
	return map[string]any{"license": licenseMap(*l)}, nil
}

func (s *Server) suspend(ctx context.Context, in args) (map[string]any, error) {
	return map[string]any{}, s.core.Suspend(ctx, actorFrom(ctx), in.str("key"), in.str("reason"))
}

func (s *Server) reinstate(ctx context.Context, in args) (map[string]any, error) {
	return map[string]any{}, s.core.Reinstate(ctx, actorFrom(ctx), in.str("key"))
}

func (s *Server) createUser(ctx context.Context, in args) (map[string]any, error) {
	u, err := s.core.CreateUser(ctx, actorFrom(ctx), service.CreateUserRequest{
		Username:           in.str("username"),
		Email:              in.str("email"),
		Password:           in.str("password"),
		Role:               model.Role(in.str("role")),
		MustChangePassword: in.flag("must_change_password"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userMap(u)}, nil
}

func (s *Server) auditPage(ctx context.Context, in args) (map[string]any, error) {
	after, err := in.num("after_seq")
	if err != nil {
		return nil, err
	}
	limit, err := in.num("limit")
	if err != nil {
		return nil, err
	}
	page, err := s.core.GetAuditPage(ctx, actorFrom(ctx), int64(after), limit)
	if err != nil {
		return nil, err
	}
	events := make([]any, len(page.Events))
	for i, e := range page.Events {
		events[i] = eventMap(e)
	}
	return map[string]any{"events": events, "next_seq": page.NextSeq}, nil
}
