package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

func TestWithTx_Commit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE slots").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = NewTxManager(mock).WithTx(context.Background(), func(ctx context.Context) error {
		if TxFromContext(ctx) == nil {
			t.Fatal("expected transaction in context")
		}
		_, err := Conn(ctx, mock).Exec(ctx, "UPDATE slots SET reserved = TRUE")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = NewTxManager(mock).WithTx(context.Background(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithTx_NestedJoinsOuter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	txm := NewTxManager(mock)
	err = txm.WithTx(context.Background(), func(outer context.Context) error {
		return txm.WithTx(outer, func(inner context.Context) error {
			if TxFromContext(inner) != TxFromContext(outer) {
				t.Error("expected nested call to reuse outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTx() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithTx_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("no connection"))

	called := false
	err = NewTxManager(mock).WithTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
	if called {
		t.Error("fn must not run when begin fails")
	}
}

func TestConn_FallbackOutsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	if Conn(context.Background(), mock) != Querier(mock) {
		t.Error("expected fallback querier outside a transaction")
	}
}
