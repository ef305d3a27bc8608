package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

// RecordRepository is the metadata registry backed by the
// authoritative_records table.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS authoritative_records (
	entity_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	chunk_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_authoritative_records_chunk_ids ON authoritative_records USING GIN (chunk_ids);
CREATE INDEX IF NOT EXISTS idx_authoritative_records_updated_at ON authoritative_records(updated_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const selectRecordColumns = `SELECT entity_id, kind, status, title, body, source, uri, author, chunk_ids, updated_at
FROM authoritative_records`

func (r *RecordRepository) Lookup(ctx context.Context, key domain.LookupKey) (*domain.AuthoritativeRecord, error) {
	var row *sql.Row
	switch {
	case strings.TrimSpace(key.EntityID) != "":
		row = r.db.QueryRowContext(ctx, selectRecordColumns+`
WHERE entity_id = $1
`, key.EntityID)
	case strings.TrimSpace(key.ChunkID) != "":
		row = r.db.QueryRowContext(ctx, selectRecordColumns+`
WHERE chunk_ids @> jsonb_build_array($1::text)
ORDER BY updated_at DESC
LIMIT 1
`, key.ChunkID)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "lookup record", fmt.Errorf("empty lookup key"))
	}

	var rec domain.AuthoritativeRecord
	var chunkIDsRaw []byte
	err := row.Scan(
		&rec.EntityID, &rec.Kind, &rec.Status, &rec.Title, &rec.Body, &rec.Source,
		&rec.URI, &rec.Author, &chunkIDsRaw, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "lookup record", fmt.Errorf("no record for %+v", key))
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	if len(chunkIDsRaw) > 0 {
		if err := json.Unmarshal(chunkIDsRaw, &rec.ChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshal chunk ids: %w", err)
		}
	}
	return &rec, nil
}

// Upsert stores a record, replacing an older copy. Rows newer than rec are
// left untouched.
func (r *RecordRepository) Upsert(ctx context.Context, rec *domain.AuthoritativeRecord) error {
	if rec == nil || strings.TrimSpace(rec.EntityID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert record", fmt.Errorf("entity_id is required"))
	}
	chunkIDs := rec.ChunkIDs
	if chunkIDs == nil {
		chunkIDs = []string{}
	}
	chunkIDsJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO authoritative_records (
	entity_id, kind, status, title, body, source, uri, author, chunk_ids, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (entity_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	status = EXCLUDED.status,
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	source = EXCLUDED.source,
	uri = EXCLUDED.uri,
	author = EXCLUDED.author,
	chunk_ids = EXCLUDED.chunk_ids,
	updated_at = EXCLUDED.updated_at
WHERE authoritative_records.updated_at <= EXCLUDED.updated_at
`,
		rec.EntityID, rec.Kind, rec.Status, rec.Title, rec.Body, rec.Source,
		rec.URI, rec.Author, chunkIDsJSON, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}
