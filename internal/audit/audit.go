// Package audit records security-relevant events in the store and fans them out to sinks.
package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

// Kind is the closed vocabulary of audit event kinds.
type Kind string

const (
	LicenseCreated    Kind = "license.created"
	LicenseExtended   Kind = "license.extended"
	LicenseRevoked    Kind = "license.revoked"
	LicenseExpired    Kind = "license.expired"
	LicenseBound      Kind = "license.bound"
	LicenseSuspended  Kind = "license.suspended"
	LicenseReinstated Kind = "license.reinstated"

	ActivationAdded Kind = "activation.added"
	ActivationSeen  Kind = "activation.seen"

	LoginSuccess    Kind = "auth.login.success"
	LoginFailure    Kind = "auth.login.failure"
	LoginLocked     Kind = "auth.login.locked"
	LoginUnlocked   Kind = "auth.login.unlocked"
	PasswordChanged Kind = "auth.password_changed"
	UserCreated     Kind = "auth.user.created"
	TOTPEnrolled    Kind = "auth.totp.enrolled"

	SessionCreated     Kind = "session.created"
	SessionInvalidated Kind = "session.invalidated"
	SessionRefreshed   Kind = "session.refreshed"
)

var kinds = map[Kind]struct{}{
	LicenseCreated: {}, LicenseExtended: {}, LicenseRevoked: {}, LicenseExpired: {}, LicenseBound: {},
	LicenseSuspended: {}, LicenseReinstated: {}, ActivationAdded: {}, ActivationSeen: {},
	LoginSuccess: {}, LoginFailure: {}, LoginLocked: {}, LoginUnlocked: {}, PasswordChanged: {}, UserCreated: {},
	TOTPEnrolled: {},
	SessionCreated: {}, SessionInvalidated: {}, SessionRefreshed: {},
}

// Valid reports whether k belongs to the vocabulary.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Sink receives committed events. Errors are logged by the Recorder and never propagate.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e model.AuditEvent) error
}

// Recorder appends events inside a transaction and publishes them after commit.
type Recorder struct {
	log   *zap.Logger
	sinks []Sink
}

// NewRecorder returns a recorder fanning out to sinks.
func NewRecorder(log *zap.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log, sinks: sinks}
}

// Batch collects the events appended by one transaction.
type Batch struct {
	repo   repository.AuditRepository
	now    time.Time
	events []model.AuditEvent
}

// Begin starts a batch bound to tx.
func (r *Recorder) Begin(tx repository.Tx, now time.Time) *Batch {
	return &Batch{repo: tx.Audit(), now: now}
}

// Add appends one event to the store. Unknown kinds panic since they are programming errors.
func (b *Batch) Add(ctx context.Context, actor string, kind Kind, subject string, details map[string]string) error {
	if !kind.Valid() {
		panic("audit: unknown kind " + string(kind))
	}
	if actor == "" {
		actor = model.ActorSystem
	}
	e := model.AuditEvent{TS: b.now, Actor: actor, Kind: string(kind), Subject: subject, Details: details}
	if _, err := b.repo.Append(ctx, &e); err != nil {
		return err
	}
	b.events = append(b.events, e)
	return nil
}

// Events returns the events appended so far.
func (b *Batch) Events() []model.AuditEvent {
	if b == nil {
		return nil
	}
	return b.events
}

// Publish fans committed events out to every sink.
func (r *Recorder) Publish(ctx context.Context, b *Batch) {
	for _, e := range b.Events() {
		for _, s := range r.sinks {
			if err := s.Emit(ctx, e); err != nil {
				r.log.Warn("audit sink failed", zap.String("sink", s.Name()), zap.String("kind", e.Kind), zap.Error(err))
			}
		}
	}
}

// MaskPrincipal hides most of a username or email for audit details and logs.
func MaskPrincipal(p string) string {
	if at := strings.LastIndexByte(p, '@'); at >= 0 {
		return maskPart(p[:at]) + p[at:]
	}
	return maskPart(p)
}

func maskPart(s string) string {
	r := []rune(s)
	if len(r) < 3 {
		return "***"
	}
	return string(r[0]) + "***" + string(r[len(r)-1])
}
