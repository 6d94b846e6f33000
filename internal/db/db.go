package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB is the run store. Run history is optional; the pipeline works without it.
type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS render_runs (
	id               UUID PRIMARY KEY,
	base_output_name TEXT NOT NULL,
	composition_name TEXT NOT NULL,
	chunk_size       INTEGER NOT NULL,
	total_frames     INTEGER NOT NULL,
	chunk_count      INTEGER NOT NULL,
	state            TEXT NOT NULL,
	props            JSONB,
	error_message    TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS render_runs_base_output_name_idx
	ON render_runs (base_output_name, created_at DESC);

CREATE TABLE IF NOT EXISTS render_chunks (
	run_id        UUID NOT NULL REFERENCES render_runs (id) ON DELETE CASCADE,
	start_frame   INTEGER NOT NULL,
	end_frame     INTEGER NOT NULL,
	output_name   TEXT NOT NULL,
	status        TEXT NOT NULL,
	skipped       BOOLEAN NOT NULL DEFAULT false,
	error_message TEXT,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, start_frame)
);
`

// Migrate creates the run tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
