package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/dispatch"
	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/metrics"
	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/planner"
)

// RunRecorder persists run progress for status polling. db.DB implements it.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRunState(ctx context.Context, id uuid.UUID, state models.RunState, errMsg *string) error
	UpsertChunk(ctx context.Context, chunk *models.RunChunk) error
}

type noopRecorder struct{}

func (noopRecorder) CreateRun(context.Context, *models.Run) error { return nil }
func (noopRecorder) UpdateRunState(context.Context, uuid.UUID, models.RunState, *string) error {
	return nil
}
func (noopRecorder) UpsertChunk(context.Context, *models.RunChunk) error { return nil }

type Options struct {
	DefaultChunkSize int
	SubmitDelay      time.Duration // Pause between chunk submissions
}

// Orchestrator drives a render from planning to cleanup:
//
//	planning → dispatching → joining → combining → cleaning_up → done
//
// Any chunk failure, or a combine failure, ends the run in failed. Chunk
// objects are only deleted after the final video is stored.
type Orchestrator struct {
	dispatcher dispatch.Dispatcher
	combiner   *Combiner
	cleaner    *Cleaner
	recorder   RunRecorder
	metrics    *metrics.Collector
	opts       Options
	logger     hclog.Logger

	wg sync.WaitGroup
}

func NewOrchestrator(
	dispatcher dispatch.Dispatcher,
	combiner *Combiner,
	cleaner *Cleaner,
	recorder RunRecorder,
	m *metrics.Collector,
	opts Options,
	logger hclog.Logger,
) *Orchestrator {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = models.DefaultChunkSize
	}
	return &Orchestrator{
		dispatcher: dispatcher,
		combiner:   combiner,
		cleaner:    cleaner,
		recorder:   recorder,
		metrics:    m,
		opts:       opts,
		logger:     logging.OrDefault(logger).Named("orchestrator"),
	}
}

// run is the in-memory state of one orchestration.
type run struct {
	record *models.Run
	req    models.RenderRequest
	specs  []models.ChunkSpec
	log    hclog.Logger
}

// Plan validates req and computes its chunks without side effects.
func (o *Orchestrator) Plan(req *models.RenderRequest) (models.RenderRequest, []models.ChunkSpec, int, error) {
	if err := req.Validate(); err != nil {
		return models.RenderRequest{}, nil, 0, err
	}
	accepted := *req
	if accepted.ChunkSize == 0 {
		accepted.ChunkSize = o.opts.DefaultChunkSize
	}
	specs, total, err := planner.PlanRequest(&accepted)
	if err != nil {
		return models.RenderRequest{}, nil, total, err
	}
	return accepted, specs, total, nil
}

// Render runs a whole orchestration and blocks until it ends. Planning
// errors are returned before anything is dispatched.
func (o *Orchestrator) Render(ctx context.Context, req *models.RenderRequest) (*models.CombinedArtifact, error) {
	r, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, r)
}

// Submit plans req and runs the orchestration in the background. It returns
// once the run is accepted; the outcome is observable through the recorder
// and the blob store. ctx only scopes values, not the run's lifetime.
func (o *Orchestrator) Submit(ctx context.Context, req *models.RenderRequest) (uuid.UUID, error) {
	r, err := o.start(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.execute(runCtx, r); err != nil {
			r.log.Error("render failed", "error", err)
		}
	}()

	return r.record.ID, nil
}

// Wait blocks until every submitted run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) start(ctx context.Context, req *models.RenderRequest) (*run, error) {
	accepted, specs, total, err := o.Plan(req)
	if err != nil {
		return nil, err
	}

	record := &models.Run{
		ID:              uuid.New(),
		BaseOutputName:  accepted.OutputFileName,
		CompositionName: accepted.CompositionName,
		ChunkSize:       accepted.ChunkSize,
		TotalFrames:     total,
		ChunkCount:      len(specs),
		State:           models.RunStatePlanning,
		Props:           accepted.Props,
	}
	r := &run{
		record: record,
		req:    accepted,
		specs:  specs,
		log:    o.logger.With("run_id", record.ID, "output", record.BaseOutputName),
	}

	if err := o.recorder.CreateRun(ctx, record); err != nil {
		r.log.Warn("failed to record run", "error", err)
	}
	o.metrics.RecordRunStarted()
	r.log.Info("planned render", "frames", total, "chunk_size", accepted.ChunkSize, "chunks", len(specs))

	return r, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*models.CombinedArtifact, error) {
	results := o.dispatchAndJoin(ctx, r)

	var failed []models.ChunkJobResult
	for _, res := range results {
		if !res.Completed() {
			failed = append(failed, res)
		}
	}
	if len(failed) > 0 {
		err := &OrchestrationError{RunID: r.record.ID, Base: r.record.BaseOutputName, Total: len(results), Failed: failed}
		o.fail(ctx, r, err)
		return nil, err
	}

	o.transition(ctx, r, models.RunStateCombining)
	names := make([]string, len(results))
	for i, res := range results {
		names[i] = res.OutputName
	}
	artifact, err := o.combiner.Combine(ctx, names, r.record.BaseOutputName)
	if err != nil {
		o.fail(ctx, r, err)
		return nil, err
	}

	o.transition(ctx, r, models.RunStateCleaningUp)
	if _, err := o.cleaner.Cleanup(ctx, planner.ChunkPattern(r.record.BaseOutputName)); err != nil {
		r.log.Warn("cleanup failed, chunks left in storage", "error", err)
	}

	o.transition(ctx, r, models.RunStateDone)
	o.metrics.RecordRunFinished(models.RunStateDone)
	r.log.Info("render done", "bytes", artifact.Size, "chunks", artifact.ChunkCount)

	return artifact, nil
}

// dispatchAndJoin spawns every chunk in ascending order, then joins them
// all. The results come back sorted by start frame.
func (o *Orchestrator) dispatchAndJoin(ctx context.Context, r *run) []models.ChunkJobResult {
	o.transition(ctx, r, models.RunStateDispatching)

	results := make([]models.ChunkJobResult, 0, len(r.specs))
	handles := make([]dispatch.Handle, 0, len(r.specs))

	for i, spec := range r.specs {
		if i > 0 && o.opts.SubmitDelay > 0 {
			select {
			case <-time.After(o.opts.SubmitDelay):
			case <-ctx.Done():
			}
		}

		if ctx.Err() != nil {
			res := failedResult(spec, fmt.Errorf("chunk %s not dispatched: %w", spec, ctx.Err()))
			o.recordChunk(ctx, r, res)
			results = append(results, res)
			continue
		}

		task := models.ChunkTask{
			TaskID:  uuid.New(),
			RunID:   r.record.ID,
			Chunk:   spec,
			Request: r.req,
		}
		h, err := o.dispatcher.Spawn(ctx, task)
		if err != nil {
			r.log.Error("failed to dispatch chunk", "chunk", spec.String(), "error", err)
			res := failedResult(spec, fmt.Errorf("chunk %s not dispatched: %w", spec, err))
			o.recordChunk(ctx, r, res)
			results = append(results, res)
			continue
		}

		o.metrics.RecordChunkDispatched()
		o.recordChunk(ctx, r, models.ChunkJobResult{Chunk: spec, OutputName: spec.OutputName, Status: models.ChunkStatusPending})
		handles = append(handles, h)
	}

	o.transition(ctx, r, models.RunStateJoining)
	for _, h := range handles {
		res, err := h.Join(ctx)
		if err != nil {
			spec := h.Task().Chunk
			res = failedResult(spec, fmt.Errorf("failed to join chunk %s: %w", spec, err))
		}
		if res.OutputName == "" {
			res.OutputName = h.Task().Chunk.OutputName
		}
		o.recordChunk(ctx, r, res)
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Chunk.StartFrame < results[j].Chunk.StartFrame
	})
	return results
}

func (o *Orchestrator) transition(ctx context.Context, r *run, state models.RunState) {
	r.record.State = state
	r.log.Debug("state", "state", state)
	if err := o.recorder.UpdateRunState(ctx, r.record.ID, state, nil); err != nil {
		r.log.Warn("failed to record state", "state", state, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) {
	r.record.State = models.RunStateFailed
	msg := cause.Error()
	if err := o.recorder.UpdateRunState(ctx, r.record.ID, models.RunStateFailed, &msg); err != nil {
		r.log.Warn("failed to record state", "state", models.RunStateFailed, "error", err)
	}
	o.metrics.RecordRunFinished(models.RunStateFailed)
}

func (o *Orchestrator) recordChunk(ctx context.Context, r *run, res models.ChunkJobResult) {
	chunk := &models.RunChunk{
		RunID:      r.record.ID,
		StartFrame: res.Chunk.StartFrame,
		EndFrame:   res.Chunk.EndFrame,
		OutputName: res.OutputName,
		Status:     res.Status,
		Skipped:    res.Skipped,
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		chunk.ErrorMessage = &msg
	}
	if err := o.recorder.UpsertChunk(ctx, chunk); err != nil {
		r.log.Warn("failed to record chunk", "chunk", res.Chunk.String(), "error", err)
	}
}
