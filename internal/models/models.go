package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is the number of frames per chunk when a request omits chunk_size.
const DefaultChunkSize = 250

// Enums
type RunState string

const (
	RunStatePlanning    RunState = "planning"
	RunStateDispatching RunState = "dispatching"
	RunStateJoining     RunState = "joining"
	RunStateCombining   RunState = "combining"
	RunStateCleaningUp  RunState = "cleaning_up"
	RunStateDone        RunState = "done"
	RunStateFailed      RunState = "failed"
)

// Terminal reports whether no further transitions follow this state.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateFailed
}

type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusCompleted ChunkStatus = "completed"
	ChunkStatusFailed    ChunkStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// RenderRequest is the accepted form of a POST /render body. The JSON field
// names are the wire format and must not change.
type RenderRequest struct {
	Videos          []string `json:"videos" yaml:"videos"`
	Props           JSONB    `json:"props" yaml:"props"`
	OutputFileName  string   `json:"output_file_name" yaml:"output_file_name"`
	ChunkSize       int      `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	CompositionName string   `json:"composition_name" yaml:"composition_name"`
}

// EffectiveChunkSize returns the requested chunk size, or DefaultChunkSize when
// none was given. Negative sizes are returned unchanged so the planner rejects them.
func (r *RenderRequest) EffectiveChunkSize() int {
	if r.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return r.ChunkSize
}

// Validate checks the fields the pipeline cannot run without.
func (r *RenderRequest) Validate() error {
	if r.OutputFileName == "" {
		return fmt.Errorf("output_file_name is required")
	}
	if r.CompositionName == "" {
		return fmt.Errorf("composition_name is required")
	}
	if r.Props == nil {
		return fmt.Errorf("props is required")
	}
	return nil
}

// PropsWithRange returns a shallow copy of the request props with the
// renderer frame range overridden. The request itself is left untouched.
func (r *RenderRequest) PropsWithRange(start, end int) map[string]interface{} {
	props := make(map[string]interface{}, len(r.Props)+1)
	for k, v := range r.Props {
		props[k] = v
	}
	props["range"] = []int{start, end}
	return props
}

// ChunkSpec is one inclusive frame interval of a render and the blob name its
// output is stored under.
type ChunkSpec struct {
	StartFrame int    `json:"start_frame"`
	EndFrame   int    `json:"end_frame"`
	OutputName string `json:"output_name"`
}

// Frames returns the number of frames covered by the chunk.
func (c ChunkSpec) Frames() int {
	return c.EndFrame - c.StartFrame + 1
}

func (c ChunkSpec) String() string {
	return fmt.Sprintf("[%d,%d]", c.StartFrame, c.EndFrame)
}

// ChunkJobResult is produced once per dispatched chunk. Err holds the typed
// error in-process; ErrorMessage carries it across process boundaries.
type ChunkJobResult struct {
	Chunk        ChunkSpec   `json:"chunk"`
	OutputName   string      `json:"output_name"`
	Status       ChunkStatus `json:"status"`
	Skipped      bool        `json:"skipped,omitempty"`
	ErrorMessage string      `json:"error,omitempty"`
	Err          error       `json:"-"`
}

func (r ChunkJobResult) Completed() bool {
	return r.Status == ChunkStatusCompleted
}

// ChunkTask is the unit a dispatcher carries to whoever executes the chunk.
type ChunkTask struct {
	TaskID  uuid.UUID     `json:"task_id"`
	RunID   uuid.UUID     `json:"run_id"`
	Chunk   ChunkSpec     `json:"chunk"`
	Request RenderRequest `json:"request"`
}

// CombinedArtifact identifies the final uploaded video.
type CombinedArtifact struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ChunkCount int    `json:"chunk_count"`
}

// Run is the persisted record of one orchestration.
type Run struct {
	ID              uuid.UUID  `json:"id"`
	BaseOutputName  string     `json:"base_output_name"`
	CompositionName string     `json:"composition_name"`
	ChunkSize       int        `json:"chunk_size"`
	TotalFrames     int        `json:"total_frames"`
	ChunkCount      int        `json:"chunk_count"`
	State           RunState   `json:"state"`
	Props           JSONB      `json:"props,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// RunChunk is the persisted status of one chunk of a run.
type RunChunk struct {
	RunID        uuid.UUID   `json:"run_id"`
	StartFrame   int         `json:"start_frame"`
	EndFrame     int         `json:"end_frame"`
	OutputName   string      `json:"output_name"`
	Status       ChunkStatus `json:"status"`
	Skipped      bool        `json:"skipped"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DTOs for API responses
type RenderResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	RunID   *uuid.UUID `json:"run_id,omitempty"`
}

type RenderStatusResponse struct {
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Size   int64      `json:"size,omitempty"`
	URL    string     `json:"url,omitempty"`
	Run    *Run       `json:"run,omitempty"`
	Chunks []RunChunk `json:"chunks,omitempty"`
}

type PlanResponse struct {
	OutputFileName string      `json:"output_file_name"`
	TotalFrames    int         `json:"total_frames"`
	ChunkSize      int         `json:"chunk_size"`
	Chunks         []ChunkSpec `json:"chunks"`
}
