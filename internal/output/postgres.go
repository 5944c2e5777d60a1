package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/veilgate/veilgate/internal/pipeline"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS content_archive (
	id            BIGSERIAL PRIMARY KEY,
	output_key    TEXT NOT NULL UNIQUE,
	content_type  TEXT NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}',
	body          BYTEA NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

// PostgresOutput archives content rows in Postgres, keyed by output key so
// async redelivery of the same request overwrites rather than duplicates.
type PostgresOutput struct {
	db *sqlx.DB
}

func NewPostgresOutput(ctx context.Context, dsn string) (*PostgresOutput, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("output: connecting to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: ensuring archive table: %w", err)
	}
	return &PostgresOutput{db: db}, nil
}

func (p *PostgresOutput) Write(ctx context.Context, key string, content *pipeline.ProcessedContent) error {
	body, err := content.Bytes()
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(content.Metadata)
	if err != nil {
		return fmt.Errorf("output: encoding metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO content_archive (output_key, content_type, metadata, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (output_key) DO UPDATE
		SET content_type = EXCLUDED.content_type,
		    metadata     = EXCLUDED.metadata,
		    body         = EXCLUDED.body,
		    created_at   = EXCLUDED.created_at`,
		key, content.ContentType, metadata, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("output: archiving %s: %w", key, err)
	}
	return nil
}

func (p *PostgresOutput) Close() error { return p.db.Close() }
