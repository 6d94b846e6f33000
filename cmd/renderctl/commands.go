package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/bobarin/splitrender/internal/app"
	"github.com/bobarin/splitrender/internal/config"
	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/planner"
	"github.com/bobarin/splitrender/internal/storage"
	"github.com/bobarin/splitrender/internal/worker"
)

var logLevel string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "renderctl",
		Short:        "Chunked video render orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newRenderCommand(),
		newPlanCommand(),
		newWorkerCommand(),
		newCleanupCommand(),
		newStatusCommand(),
	)
	return root
}

// setup loads configuration and the root logger shared by every subcommand.
func setup(cmd *cobra.Command) (*config.Config, hclog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.New(logging.Config{
		Name:   "renderctl",
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newRenderCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a request file to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(file)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			artifact, err := a.Orchestrator.Render(ctx, req)
			if err != nil {
				var oe *worker.OrchestrationError
				if errors.As(err, &oe) {
					fmt.Fprintf(cmd.ErrOrStderr(), "re-run to retry chunks %v\n", oe.FailedChunks())
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), artifact)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "render request file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPlanCommand() *cobra.Command {
	var (
		file      string
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the chunk plan for a request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(file)
			if err != nil {
				return err
			}
			if chunkSize != 0 {
				req.ChunkSize = chunkSize
			}
			if err := req.Validate(); err != nil {
				return err
			}

			chunks, total, err := planner.PlanRequest(req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models.PlanResponse{
				OutputFileName: req.OutputFileName,
				TotalFrames:    total,
				ChunkSize:      req.EffectiveChunkSize(),
				Chunks:         chunks,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "render request file (YAML or JSON)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "override the request's chunk_size")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Render chunks from the redis queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = cfg.MaxConcurrentJobs
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			consumer, err := a.NewConsumer()
			if err != nil {
				return err
			}
			logger.Info("chunk worker started", "concurrency", concurrency)
			consumer.Start(ctx, concurrency)
			logger.Info("chunk worker stopped")
			return nil
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "consumer goroutines (default MAX_CONCURRENT_JOBS)")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <output name>",
		Short: "Delete the chunk artifacts of an output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := app.NewStore(cfg, logger)
			if err != nil {
				return err
			}

			cleaner := worker.NewCleaner(store, nil, logger)
			deleted, err := cleaner.Cleanup(cmd.Context(), planner.ChunkPattern(args[0]))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d chunk artifacts\n", deleted)
			return err
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <output name>",
		Short: "Report whether the final video exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := app.NewStore(cfg, logger)
			if err != nil {
				return err
			}

			exists, info, err := store.Exists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			status := models.RenderStatusResponse{Name: args[0], Status: "pending"}
			if exists {
				status.Status = "completed"
				status.Size = info.Size
				if u, ok := store.(storage.PublicURLer); ok {
					status.URL = u.GetPublicURL(args[0])
				}
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
