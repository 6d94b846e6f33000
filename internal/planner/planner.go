// Package planner splits a frame span into the contiguous chunks that are
// rendered independently and later concatenated back in order.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/bobarin/splitrender/internal/models"
)

// SelectionsKey is the props field holding the ordered frame-range selections.
const SelectionsKey = "selectedTags"

// InvalidRangeError reports planner input that cannot produce a chunk list.
type InvalidRangeError struct {
	TotalFrames int
	ChunkSize   int
	Reason      string
}

func (e *InvalidRangeError) Error() string {
	if e.Reason != "" {
		return "invalid range: " + e.Reason
	}
	return fmt.Sprintf("invalid range: total_frames=%d chunk_size=%d", e.TotalFrames, e.ChunkSize)
}

// ChunkName is the blob name of the chunk covering [start, end] of base.
func ChunkName(base string, start, end int) string {
	return fmt.Sprintf("%s_chunk_%d_%d", base, start, end)
}

// ChunkPattern matches every chunk name derived from base and nothing else
// derived from it, including base itself.
func ChunkPattern(base string) string {
	return base + "_chunk_"
}

// Plan walks [0, totalFrames) in strides of chunkSize. Each stride becomes an
// inclusive [start, end] chunk; the last one is clipped to totalFrames-1.
func Plan(totalFrames, chunkSize int, base string) ([]models.ChunkSpec, error) {
	if totalFrames <= 0 || chunkSize <= 0 {
		return nil, &InvalidRangeError{TotalFrames: totalFrames, ChunkSize: chunkSize}
	}

	chunks := make([]models.ChunkSpec, 0, (totalFrames+chunkSize-1)/chunkSize)
	for start := 0; start < totalFrames; start += chunkSize {
		end := start + chunkSize - 1
		if end > totalFrames-1 {
			end = totalFrames - 1
		}
		chunks = append(chunks, models.ChunkSpec{
			StartFrame: start,
			EndFrame:   end,
			OutputName: ChunkName(base, start, end),
		})
	}

	return chunks, nil
}

// PlanRequest derives the total frame count from the request's selections and
// plans it with the request's effective chunk size.
func PlanRequest(req *models.RenderRequest) ([]models.ChunkSpec, int, error) {
	total, err := TotalFrames(req.Props)
	if err != nil {
		return nil, 0, err
	}
	chunks, err := Plan(total, req.EffectiveChunkSize(), req.OutputFileName)
	if err != nil {
		return nil, total, err
	}
	return chunks, total, nil
}

// TotalFrames sums endFrame-startFrame over the props' selections. Selection
// end frames are exclusive.
func TotalFrames(props map[string]interface{}) (int, error) {
	raw, ok := props[SelectionsKey]
	if !ok || raw == nil {
		return 0, &InvalidRangeError{Reason: "props." + SelectionsKey + " is missing"}
	}

	selections, ok := raw.([]interface{})
	if !ok {
		return 0, &InvalidRangeError{Reason: fmt.Sprintf("props.%s must be a list, got %T", SelectionsKey, raw)}
	}

	total := 0
	for i, sel := range selections {
		m, ok := sel.(map[string]interface{})
		if !ok {
			return 0, &InvalidRangeError{Reason: fmt.Sprintf("selection %d is not an object", i)}
		}
		start, err := frameValue(m, "startFrame")
		if err != nil {
			return 0, &InvalidRangeError{Reason: fmt.Sprintf("selection %d: %v", i, err)}
		}
		end, err := frameValue(m, "endFrame")
		if err != nil {
			return 0, &InvalidRangeError{Reason: fmt.Sprintf("selection %d: %v", i, err)}
		}
		if end < start {
			return 0, &InvalidRangeError{Reason: fmt.Sprintf("selection %d: endFrame %d before startFrame %d", i, end, start)}
		}
		total += end - start
	}

	return total, nil
}

func frameValue(m map[string]interface{}, key string) (int, error) {
	switch v := m[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s %v is not a whole frame", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("%s is missing", key)
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}
