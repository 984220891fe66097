package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	pgx.Tx
	commitErr error
}

func (s stubTx) Commit(ctx context.Context) error   { return s.commitErr }
func (s stubTx) Rollback(ctx context.Context) error { return nil }

type stubBeginner struct {
	begun     int
	commitErr func(attempt int) error
}

func (s *stubBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	s.begun++
	tx := stubTx{}
	if s.commitErr != nil {
		tx.commitErr = s.commitErr(s.begun)
	}
	return tx, nil
}

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestWithTxReplaysSerializationFailure(t *testing.T) {
	pool := &stubBeginner{}
	calls := 0

	err := withTx(context.Background(), pool, func(tx pgx.Tx) error {
		calls++
		if calls < 3 {
			return serializationFailure()
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, pool.begun)
}

func TestWithTxReplaysSerializationFailureAtCommit(t *testing.T) {
	pool := &stubBeginner{commitErr: func(attempt int) error {
		if attempt == 1 {
			return serializationFailure()
		}
		return nil
	}}

	err := withTx(context.Background(), pool, func(tx pgx.Tx) error { return nil })

	require.NoError(t, err)
	require.Equal(t, 2, pool.begun)
}

func TestWithTxDoesNotReplayOtherErrors(t *testing.T) {
	pool := &stubBeginner{}
	boom := errors.New("boom")

	err := withTx(context.Background(), pool, func(tx pgx.Tx) error { return boom })

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, pool.begun)
}

func TestWithTxGivesUpAfterBoundedAttempts(t *testing.T) {
	pool := &stubBeginner{}

	err := withTx(context.Background(), pool, func(tx pgx.Tx) error {
		return serializationFailure()
	})

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "40001", pgErr.Code)
	require.Equal(t, txAttempts, pool.begun)
}
