package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestLoadExistingCheckpoint(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	committed := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT batch_seq, batch_id, last_source, committed_at").
		WithArgs("ecommerce").
		WillReturnRows(sqlmock.NewRows([]string{"batch_seq", "batch_id", "last_source", "committed_at"}).
			AddRow(int64(41), "9f2c1d", "events_20260301_0825.csv", committed))

	s := NewStore(db, testPolicy())
	cp, err := s.Load(context.Background(), "ecommerce")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Pipeline != "ecommerce" || cp.Seq != 41 || cp.BatchID != "9f2c1d" {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}
	if cp.LastSource != "events_20260301_0825.csv" {
		t.Errorf("LastSource = %q", cp.LastSource)
	}
	if !cp.CommittedAt.Equal(committed) {
		t.Errorf("CommittedAt = %v, want %v", cp.CommittedAt, committed)
	}
}

func TestLoadFirstRun(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT batch_seq, batch_id, last_source, committed_at").
		WithArgs("ecommerce").
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db, testPolicy())
	cp, err := s.Load(context.Background(), "ecommerce")
	if err != nil {
		t.Fatalf("Load on empty table: %v", err)
	}
	if !cp.IsZero() {
		t.Errorf("expected zero checkpoint, got %+v", cp)
	}
	if cp.Pipeline != "ecommerce" {
		t.Errorf("Pipeline = %q, want ecommerce", cp.Pipeline)
	}
}

func TestAdvanceWritesRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO pipeline_checkpoints").
		WithArgs("ecommerce", int64(42), "ab12cd", "events_20260301_0900.csv").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db, testPolicy())
	err := s.Advance(context.Background(), domain.Checkpoint{
		Pipeline:   "ecommerce",
		Seq:        42,
		BatchID:    "ab12cd",
		LastSource: "events_20260301_0900.csv",
	})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdvanceRejectsRegression(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Guard matched nothing: the stored row is ahead. Exactly one attempt,
	// regression is not a transient condition.
	mock.ExpectExec("INSERT INTO pipeline_checkpoints").
		WithArgs("ecommerce", int64(7), "ab12cd", "events_old.csv").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewStore(db, testPolicy())
	err := s.Advance(context.Background(), domain.Checkpoint{
		Pipeline:   "ecommerce",
		Seq:        7,
		BatchID:    "ab12cd",
		LastSource: "events_old.csv",
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("regression was retried: %v", err)
	}
}

func TestAdvanceRetriesTransientFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO pipeline_checkpoints").
		WillReturnError(io.ErrUnexpectedEOF)
	mock.ExpectExec("INSERT INTO pipeline_checkpoints").
		WithArgs("ecommerce", int64(42), "ab12cd", "events_20260301_0900.csv").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db, testPolicy())
	err := s.Advance(context.Background(), domain.Checkpoint{
		Pipeline:   "ecommerce",
		Seq:        42,
		BatchID:    "ab12cd",
		LastSource: "events_20260301_0900.csv",
	})
	if err != nil {
		t.Fatalf("Advance after transient failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
