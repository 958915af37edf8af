// Package memory is an in-process repository.Store for tests and development.
//
// Transactions run one at a time on a private copy of the state and commit by
// swapping it in, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/clock"
	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/repository"
)

type state struct {
	users       map[uuid.UUID]model.User
	licenses    map[string]model.License // by key
	licenseKeys map[uuid.UUID]string     // id -> key
	activations map[uuid.UUID]map[string]model.Activation
	revocations []model.RevocationEntry
	sessions    map[string]model.Session
	audit       []model.AuditEvent
	seq         int64
}

func newState() *state {
	return &state{
		users:       map[uuid.UUID]model.User{},
		licenses:    map[string]model.License{},
		licenseKeys: map[uuid.UUID]string{},
		activations: map[uuid.UUID]map[string]model.Activation{},
		sessions:    map[string]model.Session{},
	}
}

// clone copies everything a transaction may mutate. Append-only slices are
// shared up to their length; appends in the copy never reach the original.
func (s *state) clone() *state {
	c := &state{
		users:       make(map[uuid.UUID]model.User, len(s.users)),
		licenses:    make(map[string]model.License, len(s.licenses)),
		licenseKeys: make(map[uuid.UUID]string, len(s.licenseKeys)),
		activations: make(map[uuid.UUID]map[string]model.Activation, len(s.activations)),
		revocations: s.revocations[:len(s.revocations):len(s.revocations)],
		sessions:    make(map[string]model.Session, len(s.sessions)),
		audit:       s.audit[:len(s.audit):len(s.audit)],
		seq:         s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.licenses {
		c.licenses[k] = v
	}
	for k, v := range s.licenseKeys {
		c.licenseKeys[k] = v
	}
	for k, m := range s.activations {
		cm := make(map[string]model.Activation, len(m))
		for h, a := range m {
			cm[h] = a
		}
		c.activations[k] = cm
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

// Store is the in-memory repository.Store.
type Store struct {
	mu       sync.Mutex
	st       *state
	clk      clock.Clock
	failNext error
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store reading time from clk (used to re-materialize expiry).
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{st: newState(), clk: clk}
}

// FailNext makes the next InTx fail with err before running its function.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// InTx runs fn on a snapshot and commits it if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	snap := s.st.clone()
	if err := fn(&tx{st: snap, clk: s.clk}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = snap
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

type tx struct {
	st  *state
	clk clock.Clock
}

func (t *tx) Users() repository.UserRepository             { return users{t} }
func (t *tx) Licenses() repository.LicenseRepository       { return licenses{t} }
func (t *tx) Activations() repository.ActivationRepository { return activations{t} }
func (t *tx) Revocations() repository.RevocationRepository { return revocations{t} }
func (t *tx) Sessions() repository.SessionRepository       { return sessions{t} }
func (t *tx) Audit() repository.AuditRepository            { return audit{t} }
