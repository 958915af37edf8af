// Package service contains the license, authentication and session services.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/clock"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/lease"
	"github.com/dlnk/licensecore/internal/licensekey"
	"github.com/dlnk/licensecore/internal/limiter"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/policy"
	"github.com/dlnk/licensecore/internal/repository"
)

// Deps are the collaborators shared by every service.
type Deps struct {
	Store  repository.Store
	Policy policy.Policy
	Clock  clock.Clock
	Master []byte
	Codec  *licensekey.Codec
	Audit  *audit.Recorder
	Log    *zap.Logger

	// Leases signs offline leases for stored-key validations. Optional.
	Leases *lease.Signer
	// Credentials and LocalSessions live on the local machine. Optional.
	Credentials   repository.OfflineCredentialRepository
	LocalSessions repository.SessionRepository
}

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	ID   string
	Role model.Role
}

// System is the actor of scheduled jobs and automatic transitions.
var System = Actor{ID: model.ActorSystem, Role: model.RoleSuperAdmin}

// ActorFromSession returns the actor behind a validated session.
func ActorFromSession(v model.SessionView) Actor {
	return Actor{ID: v.UserID.String(), Role: v.Role}
}

type base struct {
	store  repository.Store
	policy policy.Policy
	lim    limiter.Policy
	clk    clock.Clock
	audit  *audit.Recorder
	log    *zap.Logger
}

func newBase(d Deps) base {
	b := base{
		store:  d.Store,
		policy: d.Policy,
		lim:    limiter.FromPolicy(d.Policy),
		clk:    d.Clock,
		audit:  d.Audit,
		log:    d.Log,
	}
	if b.clk == nil {
		b.clk = clock.Real{}
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.audit == nil {
		b.audit = audit.NewRecorder(b.log)
	}
	return b
}

// run executes fn in one store transaction and publishes its audit events after commit.
// Store failures come back as TransientError; domain errors pass through.
func (b base) run(ctx context.Context, op string, now time.Time, fn func(tx repository.Tx, ab *audit.Batch) error) error {
	var batch *audit.Batch
	err := b.store.InTx(ctx, func(tx repository.Tx) error {
		batch = b.audit.Begin(tx, now)
		return fn(tx, batch)
	})
	if err != nil {
		return errs.Transient(op, err)
	}
	b.audit.Publish(ctx, batch)
	return nil
}

func stateOf(u *model.User) limiter.State {
	return limiter.State{FailedAttempts: u.FailedAttempts, LockoutCount: u.LockoutCount, LockedUntil: u.LockedUntil}
}

// failureError turns a recorded failure into the caller-visible error.
func failureError(out limiter.Outcome, cause error) error {
	if out.Locked {
		return &errs.LockedError{Until: out.Until}
	}
	if cause == errs.ErrBadPassword {
		return &errs.BadPasswordError{Remaining: out.Remaining}
	}
	return cause
}
