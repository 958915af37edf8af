// Package postgres contains PostgreSQL implementations of repository interfaces.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dlnk/licensecore/internal/repository"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// used by repositories. It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Close shuts down the pool and frees resources.
	Close()
}

// Querier is the statement surface shared by a pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps pgxpool.Pool to satisfy repository constructors and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Store runs repository units of work as Postgres transactions.
type Store struct {
	db      *DB
	timeout time.Duration
}

var _ repository.Store = (*Store)(nil)

// NewStore returns a store whose transactions are bounded by timeout (0 disables the deadline).
func NewStore(db *DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// InTx runs fn in a transaction, committing on nil and rolling back otherwise.
// A panic in fn rolls back before it propagates.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) (err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(txRepos{q: tx})
}

// Close closes the pool.
func (s *Store) Close() { s.db.Close() }

type txRepos struct{ q Querier }

func (t txRepos) Users() repository.UserRepository             { return NewUserRepo(t.q) }
func (t txRepos) Licenses() repository.LicenseRepository       { return NewLicenseRepo(t.q) }
func (t txRepos) Activations() repository.ActivationRepository { return NewActivationRepo(t.q) }
func (t txRepos) Revocations() repository.RevocationRepository { return NewRevocationRepo(t.q) }
func (t txRepos) Sessions() repository.SessionRepository       { return NewSessionRepo(t.q) }
func (t txRepos) Audit() repository.AuditRepository            { return NewAuditRepo(t.q) }

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
