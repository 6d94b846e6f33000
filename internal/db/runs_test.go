package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/splitrender/internal/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{DB: sqlDB}, mock
}

var runRowColumns = []string{
	"id", "base_output_name", "composition_name", "chunk_size", "total_frames", "chunk_count",
	"state", "props", "error_message", "created_at", "updated_at", "finished_at",
}

func TestMigrate(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS render_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	run := &models.Run{
		ID:              uuid.New(),
		BaseOutputName:  "game.mp4",
		CompositionName: "Highlights",
		ChunkSize:       250,
		TotalFrames:     1000,
		ChunkCount:      4,
		State:           models.RunStatePlanning,
		Props:           models.JSONB{"title": "finals"},
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO render_runs")).
		WithArgs(run.ID, "game.mp4", "Highlights", 250, 1000, 4, "planning", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

	require.NoError(t, db.CreateRun(context.Background(), run))
	assert.Equal(t, created, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestRunByName(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()
	now := time.Now().UTC()
	msg := "render game.mp4 failed: 1 of 4 chunks failed"

	mock.ExpectQuery(regexp.QuoteMeta("FROM render_runs")).
		WithArgs("game.mp4").
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(
			id.String(), "game.mp4", "Highlights", 250, 1000, 4,
			"failed", []byte(`{"title":"finals"}`), msg, now, now, now,
		))

	run, err := db.GetLatestRunByName(context.Background(), "game.mp4")
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, models.RunStateFailed, run.State)
	assert.Equal(t, "finals", run.Props["title"])
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, msg, *run.ErrorMessage)
	require.NotNil(t, run.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM render_runs WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(runRowColumns))

	_, err := db.GetRun(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestUpdateRunState(t *testing.T) {
	t.Run("intermediate", func(t *testing.T) {
		db, mock := newMockDB(t)
		id := uuid.New()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE render_runs SET state = $1, updated_at = $2 WHERE id = $3")).
			WithArgs("combining", sqlmock.AnyArg(), id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, db.UpdateRunState(context.Background(), id, models.RunStateCombining, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal", func(t *testing.T) {
		db, mock := newMockDB(t)
		id := uuid.New()
		msg := "combine game.mp4 failed"
		mock.ExpectExec(regexp.QuoteMeta("finished_at = $2, error_message = $3")).
			WithArgs("failed", sqlmock.AnyArg(), msg, id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, db.UpdateRunState(context.Background(), id, models.RunStateFailed, &msg))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("UPDATE render_runs").WillReturnError(errors.New("connection refused"))

		err := db.UpdateRunState(context.Background(), uuid.New(), models.RunStateJoining, nil)
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestUpsertChunk(t *testing.T) {
	db, mock := newMockDB(t)
	runID := uuid.New()
	msg := "chunk [500,749] render failed"

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (run_id, start_frame) DO UPDATE")).
		WithArgs(runID, 500, 749, "game.mp4_chunk_500_749", "failed", false, msg, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.UpsertChunk(context.Background(), &models.RunChunk{
		RunID:        runID,
		StartFrame:   500,
		EndFrame:     749,
		OutputName:   "game.mp4_chunk_500_749",
		Status:       models.ChunkStatusFailed,
		ErrorMessage: &msg,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunChunks(t *testing.T) {
	db, mock := newMockDB(t)
	runID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM render_chunks")).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "start_frame", "end_frame", "output_name", "status", "skipped", "error_message", "updated_at",
		}).
			AddRow(runID.String(), 0, 249, "game.mp4_chunk_0_249", "completed", true, nil, now).
			AddRow(runID.String(), 250, 499, "game.mp4_chunk_250_499", "pending", false, nil, now))

	chunks, err := db.GetRunChunks(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Skipped)
	assert.Equal(t, models.ChunkStatusPending, chunks[1].Status)
	assert.Nil(t, chunks[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
