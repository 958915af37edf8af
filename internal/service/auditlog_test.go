package service

import (
	"context"
	"errors"
	"testing"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
)

func TestAuditLog_PagesInOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	log := NewAuditLog(Deps{Store: e.store, Clock: e.clk})
	for i := 0; i < 5; i++ {
		e.issue(t, model.LicenseTrial, 7, 1)
	}

	if _, err := log.Page(ctx, Actor{ID: "g", Role: model.RoleGuest}, 0, 10); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("guest read: %v", err)
	}
	first, err := log.Page(ctx, admin, 0, 3)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(first.Events) != 3 || first.NextSeq != first.Events[2].Seq {
		t.Fatalf("first page %+v", first)
	}
	rest, err := log.Page(ctx, admin, first.NextSeq, 0)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(rest.Events) != 2 || rest.NextSeq != 0 {
		t.Fatalf("second page %+v", rest)
	}
	if rest.Events[0].Seq <= first.Events[2].Seq {
		t.Fatal("sequence not increasing across pages")
	}
}
