package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
)

// execCommand is swapped out by tests
var execCommand = exec.CommandContext

// FFmpegService wraps the ffmpeg and ffprobe binaries.
type FFmpegService struct {
	tempDir string
	logger  hclog.Logger
}

func NewFFmpegService(tempDir string, logger hclog.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &FFmpegService{
		tempDir: tempDir,
		logger:  logging.OrDefault(logger).Named("ffmpeg"),
	}, nil
}

// ConcatenateClips joins clips in the given order with the concat demuxer.
// Streams are copied, never re-encoded.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	// One list per call; concurrent runs share tempDir
	f, err := os.CreateTemp(s.tempDir, "concat_list_*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	listPath := f.Name()
	defer os.Remove(listPath)

	for _, path := range clipPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		fmt.Fprintf(f, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	args := []string{
		"-hide_banner",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-y",
		outputPath,
	}

	s.logger.Debug("concatenating", "clips", len(clipPaths), "output", outputPath)
	if out, err := s.run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w: %s", err, tail(out, 500))
	}

	return nil
}

// GetVideoDuration returns the duration of a video file in milliseconds using ffprobe.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	out, err := s.run(ctx, "ffprobe", args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w: %s", err, tail(out, 300))
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse video duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

func (s *FFmpegService) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := execCommand(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// escapeConcatPath quotes a path for the concat demuxer's single-quoted syntax.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// tail keeps the last maxLen bytes of command output for error messages
func tail(out []byte, maxLen int) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
