package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/dlnk/licensecore/internal/repository"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

// sq turns a statement constant into an exact-match pattern.
func sq(q string) string { return regexp.QuoteMeta(q) }

func TestStore_InTx_Commit(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db, time.Second)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(sq(qSessionInvalidate)).WithArgs("s1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		return tx.Sessions().Invalidate(ctx, "s1")
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTx_RollbackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db, 0)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(sq(qSessionInvalidate)).WithArgs("s1").WillReturnError(boom)
	mock.ExpectRollback()

	err := s.InTx(ctx, func(tx repository.Tx) error {
		return tx.Sessions().Invalidate(ctx, "s1")
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTx_RollbackOnPanic(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db, 0)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(sq(qSessionInvalidate)).WithArgs("s1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	require.PanicsWithValue(t, "half done", func() {
		_ = s.InTx(ctx, func(tx repository.Tx) error {
			if err := tx.Sessions().Invalidate(ctx, "s1"); err != nil {
				return err
			}
			panic("half done")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTx_BeginFails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db, time.Second)
	boom := errors.New("refused")

	mock.ExpectBegin().WillReturnError(boom)
	called := false
	err := s.InTx(context.Background(), func(repository.Tx) error { called = true; return nil })
	require.ErrorIs(t, err, boom)
	require.False(t, called)
}
