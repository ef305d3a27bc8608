package pgvector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	store, err := New(db, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store, mock, func() { _ = db.Close() }
}

func TestNewRejectsUnsafeTableName(t *testing.T) {
	if _, err := New(nil, "chunks; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestSearchVectorMapsRows(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	modified := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"chunk_id", "text", "uri", "author", "entity_id", "last_modified", "score"}).
		AddRow("docs-17", "getUserProfile returns 404", "https://docs.example.com/users", "docs-team", "", modified, 0.91).
		AddRow("docs-18", "unrelated", "", "", "", nil, 0.42)
	mock.ExpectQuery(`FROM chunk_embeddings\s+WHERE namespace = \$2`).
		WithArgs(sqlmock.AnyArg(), "docs", 5).
		WillReturnRows(rows)

	records, err := store.SearchVector(context.Background(), "docs", []float32{0.1, 0.2, 0.3}, 5)
	if err != nil {
		t.Fatalf("SearchVector() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ChunkID != "docs-17" || records[0].Score != 0.91 {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[0].Metadata[domain.MetaLastModified] != "2026-08-01T10:00:00Z" {
		t.Fatalf("expected last_modified metadata, got %v", records[0].Metadata)
	}
	if _, ok := records[1].Metadata[domain.MetaLastModified]; ok {
		t.Fatalf("null last_modified must not be mapped: %v", records[1].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchVectorQueryFailureIsTemporary(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT chunk_id").WillReturnError(errors.New("connection reset"))

	_, err := store.SearchVector(context.Background(), "docs", []float32{1}, 3)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestSearchVectorRejectsEmptyVector(t *testing.T) {
	store, _, done := newStoreWithMock(t)
	defer done()

	_, err := store.SearchVector(context.Background(), "docs", nil, 3)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS vector`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.EnsureSchema(context.Background(), 768); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
