package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkup/engine/internal/adapter/memadapter"
	"github.com/chunkup/engine/internal/bus"
	"github.com/chunkup/engine/internal/config"
	"github.com/chunkup/engine/internal/manager"
	"github.com/chunkup/engine/internal/slicer"
)

type uploadOptions struct {
	ChunkSize      int64
	Concurrency    int
	MaxConcurrent  int
	RetryCount     int
	StatePath      string
}

var uploadOpts = uploadOptions{
	ChunkSize:     config.DefaultChunkSize,
	Concurrency:   config.DefaultConcurrency,
	MaxConcurrent: config.DefaultMaxConcurrentTasks,
	RetryCount:    config.DefaultRetryCount,
}

var cmdUpload = &cobra.Command{
	Use:               "upload [flags] FILE...",
	Short:             "Upload one or more local files through the chunked engine",
	Args:              cobra.MinimumNArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args)
	},
}

func init() {
	flags := cmdUpload.Flags()
	flags.Int64Var(&uploadOpts.ChunkSize, "chunk-size", uploadOpts.ChunkSize, "server-side chunk size cap, in bytes")
	flags.IntVar(&uploadOpts.Concurrency, "concurrency", uploadOpts.Concurrency, "chunks uploaded in parallel per file")
	flags.IntVar(&uploadOpts.MaxConcurrent, "max-concurrent-tasks", uploadOpts.MaxConcurrent, "files uploaded in parallel")
	flags.IntVar(&uploadOpts.RetryCount, "retry-count", uploadOpts.RetryCount, "per-chunk retry attempts beyond the first")
	flags.StringVar(&uploadOpts.StatePath, "state", "", "path to the durable resume-state file (defaults to a temp file)")
}

func runUpload(ctx context.Context, paths []string) error {
	statePath := uploadOpts.StatePath
	if statePath == "" {
		statePath = filepath.Join(os.TempDir(), "uploadctl-state.json")
	}

	adp := memadapter.New(uploadOpts.ChunkSize, 4096)

	mgrOpts := config.DefaultManagerOptions()
	mgrOpts.MaxConcurrentTasks = uploadOpts.MaxConcurrent
	mgrOpts.DefaultChunkSize = uploadOpts.ChunkSize
	mgrOpts.DefaultConcurrency = uploadOpts.Concurrency
	mgrOpts.RetryCount = uploadOpts.RetryCount

	mgr := manager.New(adp, statePath, mgrOpts)
	if err := mgr.Init(); err != nil {
		return err
	}
	defer mgr.Close()

	errCh := make(chan error, len(paths))
	for _, p := range paths {
		p := p
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		fd, err := slicer.Open(f)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("open %s: %w", p, err)
		}

		tk, err := mgr.CreateTask(fd)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("create task for %s: %w", p, err)
		}

		tk.Events().On(bus.TopicProgress, func(payload any) {
			pp := payload.(bus.ProgressPayload)
			fmt.Fprintf(os.Stderr, "%s: %.1f%% (%.0f B/s)\n", p, pp.Percentage, pp.Speed)
		})
		tk.Events().On(bus.TopicSuccess, func(payload any) {
			sp := payload.(bus.SuccessPayload)
			fmt.Fprintf(os.Stderr, "%s: done -> %s\n", p, sp.FileURL)
		})
		tk.Events().On(bus.TopicError, func(payload any) {
			ep := payload.(bus.ErrorPayload)
			fmt.Fprintf(os.Stderr, "%s: failed: %v\n", p, ep.Err)
		})

		go func() {
			defer f.Close()
			errCh <- mgr.Start(ctx, tk)
		}()
	}

	var firstErr error
	deadline := time.Now().Add(5 * time.Minute)
	for range paths {
		select {
		case err := <-errCh:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-time.After(time.Until(deadline)):
			if firstErr == nil {
				firstErr = fmt.Errorf("uploadctl: timed out waiting for uploads to finish")
			}
		}
	}
	return firstErr
}
