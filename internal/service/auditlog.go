package service

import (
	"context"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

// Audit page bounds.
const (
	DefaultAuditPage = 100
	MaxAuditPage     = 500
)

// AuditLog reads the audit trail.
type AuditLog struct {
	base
}

// NewAuditLog constructs an AuditLog.
func NewAuditLog(d Deps) *AuditLog { return &AuditLog{base: newBase(d)} }

// Page returns events after afterSeq. Only admins may read the trail.
func (a *AuditLog) Page(ctx context.Context, actor Actor, afterSeq int64, limit int) (model.AuditPage, error) {
	if !actor.Role.IsAdmin() {
		return model.AuditPage{}, errs.ErrUnauthorized
	}
	switch {
	case limit <= 0:
		limit = DefaultAuditPage
	case limit > MaxAuditPage:
		limit = MaxAuditPage
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	var page model.AuditPage
	err := a.run(ctx, "audit.page", a.clk.Now(), func(tx repository.Tx, _ *audit.Batch) error {
		events, err := tx.Audit().Page(ctx, afterSeq, limit)
		if err != nil {
			return err
		}
		page.Events = events
		if len(events) == limit {
			page.NextSeq = events[len(events)-1].Seq
		}
		return nil
	})
	return page, err
}
