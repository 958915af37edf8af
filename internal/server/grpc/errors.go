package grpcserver

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dlnk/licensecore/internal/errs"
)

var codeFor = []struct {
	err  error
	code codes.Code
}{
	{errs.ErrInvalidRequest, codes.InvalidArgument},
	{errs.ErrMalformedKey, codes.InvalidArgument},
	{errs.ErrUnknownKey, codes.InvalidArgument},
	{errs.ErrWeakPassword, codes.InvalidArgument},
	{errs.ErrRevoked, codes.FailedPrecondition},
	{errs.ErrSuspended, codes.FailedPrecondition},
	{errs.ErrExpired, codes.FailedPrecondition},
	{errs.ErrHardwareMismatch, codes.FailedPrecondition},
	{errs.ErrDeviceCap, codes.FailedPrecondition},
	{errs.ErrInvalidTransition, codes.FailedPrecondition},
	{errs.ErrUnknownUser, codes.Unauthenticated},
	{errs.ErrBadPassword, codes.Unauthenticated},
	{errs.ErrBad2FA, codes.Unauthenticated},
	{errs.ErrRequires2FA, codes.Unauthenticated},
	{errs.ErrLocked, codes.ResourceExhausted},
	{errs.ErrDisabled, codes.PermissionDenied},
	{errs.ErrPolicyDenied, codes.PermissionDenied},
	{errs.ErrUnauthorized, codes.PermissionDenied},
	{errs.ErrAlreadyExists, codes.AlreadyExists},
	{errs.ErrNotFound, codes.NotFound},
}

// messages for kinds PublicMessage does not phrase for end users.
var plainMessages = map[error]string{
	errs.ErrInvalidRequest:    "Invalid request.",
	errs.ErrUnauthorized:      "Not allowed.",
	errs.ErrAlreadyExists:     "Already exists.",
	errs.ErrNotFound:          "Not found.",
	errs.ErrInvalidTransition: "Operation not allowed in the current state.",
}

// toStatus maps a core error to a gRPC status with a public message.
// Unknown keys share the malformed-key message and code, and credential
// failures share one message, so responses reveal nothing about which part was wrong.
func (s *Server) toStatus(method string, err error) error {
	if errs.IsTransient(err) {
		s.log.Warn("transient failure", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Unavailable, errs.PublicMessage(err))
	}
	for _, c := range codeFor {
		if !errors.Is(err, c.err) {
			continue
		}
		msg := errs.PublicMessage(err)
		if plain, ok := plainMessages[c.err]; ok {
			msg = plain
		}
		return status.Error(c.code, msg)
	}
	s.log.Error("request failed", zap.String("method", method), zap.Error(err))
	return status.Error(codes.Internal, "Internal error.")
}

// IsRequires2FA reports whether err from a client call asks for a second factor.
func IsRequires2FA(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated && st.Message() == errs.PublicMessage(errs.ErrRequires2FA)
}
