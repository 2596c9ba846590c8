package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
)

func TestNextNumberFormatsPeriodAndCounter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO sequence_counters").
		WithArgs("APT", "202403").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(42))

	got, err := NextNumber(context.Background(), mock, "APT", at)
	if err != nil {
		t.Fatalf("NextNumber: %v", err)
	}
	if got != "APT-202403-000042" {
		t.Fatalf("unexpected number %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), "UPDATE invoices SET status = 'paid'")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), mock, func(pgx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})
	exclusion := &pgconn.PgError{Code: CodeExclusionViolation}

	if !IsUniqueViolation(unique) {
		t.Fatal("expected unique violation")
	}
	if !IsExclusionViolation(exclusion) || IsUniqueViolation(exclusion) {
		t.Fatal("expected exclusion violation only")
	}
	if Code(errors.New("plain")) != "" {
		t.Fatal("expected empty code for non pg errors")
	}
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Fatal("expected no rows")
	}
}
