package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/splitrender/internal/models"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `
	id, base_output_name, composition_name, chunk_size, total_frames, chunk_count,
	state, props, error_message, created_at, updated_at, finished_at
`

func (db *DB) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO render_runs (
			id, base_output_name, composition_name, chunk_size, total_frames, chunk_count, state, props
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		run.ID, run.BaseOutputName, run.CompositionName, run.ChunkSize,
		run.TotalFrames, run.ChunkCount, run.State, run.Props,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM render_runs WHERE id = $1`
	return db.scanRun(db.QueryRowContext(ctx, query, id))
}

// GetLatestRunByName returns the most recent run producing baseOutputName.
func (db *DB) GetLatestRunByName(ctx context.Context, baseOutputName string) (*models.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM render_runs
		WHERE base_output_name = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return db.scanRun(db.QueryRowContext(ctx, query, baseOutputName))
}

func (db *DB) scanRun(row *sql.Row) (*models.Run, error) {
	run := &models.Run{}
	err := row.Scan(
		&run.ID, &run.BaseOutputName, &run.CompositionName, &run.ChunkSize,
		&run.TotalFrames, &run.ChunkCount, &run.State, &run.Props,
		&run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt, &run.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunState moves a run to state. Terminal states also stamp
// finished_at and store errMsg.
func (db *DB) UpdateRunState(ctx context.Context, id uuid.UUID, state models.RunState, errMsg *string) error {
	now := time.Now()
	query := `UPDATE render_runs SET state = $1, updated_at = $2 WHERE id = $3`
	args := []interface{}{state, now, id}

	if state.Terminal() {
		query = `
			UPDATE render_runs
			SET state = $1, updated_at = $2, finished_at = $2, error_message = $3
			WHERE id = $4
		`
		args = []interface{}{state, now, errMsg, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return nil
}

// UpsertChunk records the latest status of one chunk of a run.
func (db *DB) UpsertChunk(ctx context.Context, chunk *models.RunChunk) error {
	query := `
		INSERT INTO render_chunks (
			run_id, start_frame, end_frame, output_name, status, skipped, error_message, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, start_frame) DO UPDATE SET
			status = EXCLUDED.status,
			skipped = EXCLUDED.skipped,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	chunk.UpdatedAt = time.Now()
	_, err := db.ExecContext(
		ctx, query,
		chunk.RunID, chunk.StartFrame, chunk.EndFrame, chunk.OutputName,
		chunk.Status, chunk.Skipped, chunk.ErrorMessage, chunk.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %d-%d: %w", chunk.StartFrame, chunk.EndFrame, err)
	}
	return nil
}

func (db *DB) GetRunChunks(ctx context.Context, runID uuid.UUID) ([]models.RunChunk, error) {
	query := `
		SELECT run_id, start_frame, end_frame, output_name, status, skipped, error_message, updated_at
		FROM render_chunks
		WHERE run_id = $1
		ORDER BY start_frame
	`

	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.RunChunk
	for rows.Next() {
		var c models.RunChunk
		err := rows.Scan(
			&c.RunID, &c.StartFrame, &c.EndFrame, &c.OutputName,
			&c.Status, &c.Skipped, &c.ErrorMessage, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}
