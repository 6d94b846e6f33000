package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
)

// RangeKey is the props field the renderer reads a frame range override from.
const RangeKey = "range"

// RemotionRenderer invokes the composition renderer CLI. It treats the
// renderer as a black box: props in, a video file at OutputPath out.
type RemotionRenderer struct {
	command    []string
	entryPoint string
	outputDir  string
	logger     hclog.Logger
}

// NewRemotionRenderer builds a renderer around a command prefix such as
// "npx remotion render".
func NewRemotionRenderer(command, entryPoint, outputDir string, logger hclog.Logger) (*RemotionRenderer, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("render command is empty")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create render output dir: %w", err)
	}

	return &RemotionRenderer{
		command:    parts,
		entryPoint: entryPoint,
		outputDir:  outputDir,
		logger:     logging.OrDefault(logger).Named("renderer"),
	}, nil
}

// OutputPath is the known local path a render of outputName is written to.
func (r *RemotionRenderer) OutputPath(outputName string) string {
	return filepath.Join(r.outputDir, sanitizeFileName(outputName)+".mp4")
}

// Render runs the renderer for compositionID with props and returns the
// path of the produced file. The renderer writes to a temporary sibling that
// is only published at OutputPath once it exits successfully.
func (r *RemotionRenderer) Render(ctx context.Context, compositionID string, props map[string]interface{}, outputName string) (string, error) {
	outPath := r.OutputPath(outputName)

	propsFile, err := os.CreateTemp(r.outputDir, "props_*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create props file: %w", err)
	}
	defer os.Remove(propsFile.Name())

	if err := json.NewEncoder(propsFile).Encode(props); err != nil {
		propsFile.Close()
		return "", fmt.Errorf("failed to write props: %w", err)
	}
	if err := propsFile.Close(); err != nil {
		return "", fmt.Errorf("failed to write props: %w", err)
	}

	tmp, err := os.CreateTemp(r.outputDir, "."+filepath.Base(outPath)+".*"+filepath.Ext(outPath))
	if err != nil {
		return "", fmt.Errorf("failed to create render file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	published := false
	defer func() {
		if !published {
			os.Remove(tmpPath)
		}
	}()

	args := append([]string{}, r.command[1:]...)
	args = append(args, r.entryPoint, compositionID, tmpPath, "--props="+propsFile.Name())
	if start, end, ok := FrameRange(props); ok {
		args = append(args, fmt.Sprintf("--frames=%d-%d", start, end))
	}

	r.logger.Info("rendering", "composition", compositionID, "output", outputName)
	started := time.Now()

	var buf bytes.Buffer
	cmd := execCommand(ctx, r.command[0], args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("render %s failed: %w: %s", outputName, err, tail(buf.Bytes(), 500))
	}

	st, err := os.Stat(tmpPath)
	if err != nil {
		return "", fmt.Errorf("renderer produced no output for %s: %w", outputName, err)
	}
	if st.Size() == 0 {
		return "", fmt.Errorf("renderer produced an empty file for %s", outputName)
	}

	if err := PublishRender(tmpPath, outPath); err != nil {
		return "", err
	}
	published = true

	r.logger.Info("rendered", "output", outputName, "bytes", st.Size(), "took", time.Since(started).Round(time.Millisecond))
	return outPath, nil
}

// FinishedRender returns OutputPath(outputName) when a render published
// there by an earlier attempt is still on disk.
func (r *RemotionRenderer) FinishedRender(outputName string) (string, bool) {
	return FinishedRender(r.OutputPath(outputName))
}

// Discard removes the published render of outputName.
func (r *RemotionRenderer) Discard(outputName string) error {
	return DiscardRender(r.OutputPath(outputName))
}

func doneMarker(path string) string {
	return path + ".done"
}

// PublishRender moves a finished render from tmpPath to path and marks it
// complete. A file at path without a matching marker is never reused.
func PublishRender(tmpPath, path string) error {
	if err := os.Remove(doneMarker(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear render marker: %w", err)
	}
	st, err := os.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to stat render: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish render: %w", err)
	}
	if err := os.WriteFile(doneMarker(path), []byte(strconv.FormatInt(st.Size(), 10)), 0644); err != nil {
		return fmt.Errorf("failed to mark render complete: %w", err)
	}
	return nil
}

// FinishedRender reports whether path holds a complete published render.
func FinishedRender(path string) (string, bool) {
	data, err := os.ReadFile(doneMarker(path))
	if err != nil {
		return "", false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || size <= 0 {
		return "", false
	}
	st, err := os.Stat(path)
	if err != nil || st.Size() != size {
		return "", false
	}
	return path, true
}

// DiscardRender removes a published render and its marker.
func DiscardRender(path string) error {
	if err := os.Remove(doneMarker(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FrameRange extracts the inclusive [start, end] override from props.
func FrameRange(props map[string]interface{}) (int, int, bool) {
	switch v := props[RangeKey].(type) {
	case []int:
		if len(v) == 2 {
			return v[0], v[1], true
		}
	case []interface{}:
		if len(v) == 2 {
			start, ok1 := toInt(v[0])
			end, ok2 := toInt(v[1])
			if ok1 && ok2 {
				return start, end, true
			}
		}
	}
	return 0, 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// sanitizeFileName flattens an object name into a single path element.
func sanitizeFileName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}
