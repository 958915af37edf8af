package grpcserver

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/metadata"

	"github.com/dlnk/licensecore/internal/model"
)

func TestWithSession_And_SessionFromCtx(t *testing.T) {
	t.Parallel()

	if _, ok := SessionFromCtx(context.Background()); ok {
		t.Fatalf("expected no session in empty ctx")
	}
	want := &model.SessionView{ID: "s1", UserID: uuid.Must(uuid.NewV4())}
	got, ok := SessionFromCtx(WithSession(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("session mismatch: %v %v", got, ok)
	}
	if _, ok := SessionFromCtx(WithSession(context.Background(), nil)); ok {
		t.Fatalf("nil session reported as present")
	}
}

func Test_sessionIDFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "session abc123"))
	got, err := sessionIDFromMD(ctx)
	if err != nil || got != "abc123" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))
	if _, err := sessionIDFromMD(ctx); err == nil {
		t.Fatalf("want error on other scheme")
	}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Session   "))
	if _, err := sessionIDFromMD(ctx); err == nil {
		t.Fatalf("want error on empty id")
	}
	if _, err := sessionIDFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}

	out := OutgoingSession(context.Background(), "xyz")
	md, _ := metadata.FromOutgoingContext(out)
	if v := md.Get("authorization"); len(v) != 1 || v[0] != "Session xyz" {
		t.Fatalf("outgoing metadata %v", v)
	}
}
