package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Config controls the root logger.
type Config struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New builds the root logger every component derives a named logger from.
func New(cfg Config) hclog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       cfg.Name,
		Level:      level,
		Output:     cfg.Output,
		JSONFormat: cfg.Format == "json",
	})
}

// OrDefault returns l, or a discarding logger when l is nil.
func OrDefault(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
