package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/dlnk/licensecore/internal/model"
)

type ctxKey string

const sessionKey ctxKey = "dlnk.session"

// AuthScheme prefixes the session ID in the authorization metadata.
const AuthScheme = "Session"

// WithSession stores the authenticated session in ctx.
func WithSession(ctx context.Context, v *model.SessionView) context.Context {
	return context.WithValue(ctx, sessionKey, v)
}

// SessionFromCtx fetches the authenticated session from ctx.
func SessionFromCtx(ctx context.Context) (*model.SessionView, bool) {
	v, ok := ctx.Value(sessionKey).(*model.SessionView)
	return v, ok && v != nil
}

// OutgoingSession attaches a session ID to an outgoing client context.
func OutgoingSession(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", AuthScheme+" "+id)
}

// sessionIDFromMD extracts "authorization: Session <id>".
func sessionIDFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	prefix := AuthScheme + " "
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			if id := strings.TrimSpace(v[len(prefix):]); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("no session")
}
