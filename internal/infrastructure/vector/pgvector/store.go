package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	pgv "github.com/pgvector/pgvector-go"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

const DefaultTable = "chunk_embeddings"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store serves dense search over chunk embeddings kept in postgres. The
// namespace column plays the role of a qdrant collection.
type Store struct {
	db    *sql.DB
	table string
}

func New(db *sql.DB, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

func (s *Store) EnsureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("pgvector dimension must be positive, got %d", dimension)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101902)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
	chunk_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	text TEXT NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	last_modified TIMESTAMPTZ,
	embedding vector(%[2]d) NOT NULL,
	PRIMARY KEY (namespace, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, s.table, dimension)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) SearchVector(ctx context.Context, namespace string, vector []float32, topK int) ([]domain.ScoredRecord, error) {
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "pgvector search", fmt.Errorf("empty query vector"))
	}
	if topK <= 0 {
		topK = 5
	}

	query := fmt.Sprintf(`
SELECT chunk_id, text, uri, author, entity_id, last_modified, 1 - (embedding <=> $1) AS score
FROM %s
WHERE namespace = $2
ORDER BY embedding <=> $1
LIMIT $3
`, s.table)
	rows, err := s.db.QueryContext(ctx, query, pgv.NewVector(vector), namespace, topK)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "pgvector search", err)
	}
	defer rows.Close()

	records := make([]domain.ScoredRecord, 0, topK)
	for rows.Next() {
		var (
			rec          domain.ScoredRecord
			uri          string
			author       string
			entityID     string
			lastModified sql.NullTime
		)
		if err := rows.Scan(&rec.ChunkID, &rec.Text, &uri, &author, &entityID, &lastModified, &rec.Score); err != nil {
			return nil, fmt.Errorf("scan chunk embedding: %w", err)
		}
		rec.Metadata = map[string]string{}
		if uri != "" {
			rec.Metadata[domain.MetaURI] = uri
		}
		if author != "" {
			rec.Metadata[domain.MetaAuthor] = author
		}
		if entityID != "" {
			rec.Metadata[domain.MetaEntityID] = entityID
		}
		if lastModified.Valid {
			rec.Metadata[domain.MetaLastModified] = lastModified.Time.UTC().Format(time.RFC3339)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk embeddings: %w", err)
	}
	return records, nil
}
