// Package grpcserver exposes the license core as the dlnk.core.v1.LicenseCore gRPC service.
package grpcserver

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dlnk/licensecore/internal/lease"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dlnk.core.v1.LicenseCore"

// Core is the subset of core.Core served over gRPC.
type Core interface {
	Issue(ctx context.Context, req service.IssueRequest) (model.IssuedLicense, error)
	Validate(ctx context.Context, key, hw string, opts ...service.ValidateOption) (model.ValidationResult, error)
	Revoke(ctx context.Context, actor service.Actor, key, reason string) error
	Extend(ctx context.Context, actor service.Actor, key string, days int) (*model.License, error)
	Suspend(ctx context.Context, actor service.Actor, key, reason string) error
	Reinstate(ctx context.Context, actor service.Actor, key string) error
	Register(ctx context.Context, req service.RegisterRequest) (model.UserView, error)
	CreateUser(ctx context.Context, actor service.Actor, req service.CreateUserRequest) (model.UserView, error)
	Login(ctx context.Context, req service.LoginRequest) (model.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	ChangePassword(ctx context.Context, req service.ChangePasswordRequest) error
	EnrollTOTP(ctx context.Context, userID uuid.UUID) (string, error)
	ValidateSession(ctx context.Context, id string) (*model.SessionView, error)
	RefreshSession(ctx context.Context, id string, ttl time.Duration) (bool, error)
	InvalidateUserSessions(ctx context.Context, actor service.Actor, userID uuid.UUID) (int, error)
	GetAuditPage(ctx context.Context, actor service.Actor, afterSeq int64, limit int) (model.AuditPage, error)
	VerifyLease(token, hw string) (*lease.Claims, error)
}

// access is the authentication a method requires.
type access int

const (
	public access = iota
	authenticated
	adminOnly
)

type handler func(s *Server, ctx context.Context, in args) (map[string]any, error)

type method struct {
	name   string
	access access
	call   handler
}

// Server wires the core into gRPC handlers.
type Server struct {
	core Core
	log  *zap.Logger
}

// New constructs a gRPC server over c.
func New(c Core, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{core: c, log: log}
}

// Register attaches the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

var methods = []method{
	{"Validate", public, (*Server).validate},
	{"VerifyLease", public, (*Server).verifyLease},
	{"Register", public, (*Server).register},
	{"Login", public, (*Server).login},
	{"Logout", authenticated, (*Server).logout},
	{"WhoAmI", authenticated, (*Server).whoAmI},
	{"RefreshSession", authenticated, (*Server).refreshSession},
	{"ChangePassword", authenticated, (*Server).changePassword},
	{"EnrollTOTP", authenticated, (*Server).enrollTOTP},
	{"InvalidateUserSessions", authenticated, (*Server).invalidateUserSessions},
	{"Issue", authenticated, (*Server).issue},
	{"Revoke", adminOnly, (*Server).revoke},
	{"Extend", adminOnly, (*Server).extend},
	{"Suspend", adminOnly, (*Server).suspend},
	{"Reinstate", adminOnly, (*Server).reinstate},
	{"CreateUser", adminOnly, (*Server).createUser},
	{"GetAuditPage", adminOnly, (*Server).auditPage},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "dlnk/core/v1/license_core.proto",
}

func methodDescs() []grpc.MethodDesc {
	out := make([]grpc.MethodDesc, 0, len(methods))
	for _, m := range methods {
		full := "/" + ServiceName + "/" + m.name
		out = append(out, grpc.MethodDesc{
			MethodName: m.name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				call := func(ctx context.Context, req any) (any, error) {
					return srv.(*Server).dispatch(ctx, m, req.(*structpb.Struct))
				}
				if ic == nil {
					return call(ctx, in)
				}
				return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
			},
		})
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, m method, in *structpb.Struct) (*structpb.Struct, error) {
	if m.access != public {
		id, err := sessionIDFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no session")
		}
		v, err := s.core.ValidateSession(ctx, id)
		if err != nil {
			return nil, s.toStatus(m.name, err)
		}
		if v == nil {
			return nil, status.Error(codes.Unauthenticated, "session expired or invalid")
		}
		if m.access == adminOnly && !v.Role.IsAdmin() {
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}
		ctx = WithSession(ctx, v)
	}
	out, err := m.call(s, ctx, args{in.GetFields()})
	if err != nil {
		return nil, s.toStatus(m.name, err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		s.log.Error("encode response", zap.String("method", m.name), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal")
	}
	return resp, nil
}

func actorFrom(ctx context.Context) service.Actor {
	v, _ := SessionFromCtx(ctx)
	return service.ActorFromSession(*v)
}
