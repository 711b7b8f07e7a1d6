// Package services holds the clients for everything the gateway delegates to: text generation servers,
// speech and image servers, local binaries, MCP tool servers and the embedded stores.
package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"golang.org/x/sync/semaphore"
)

const errLoggerKey = "err"

// Runner executes local binaries, at most limit at a time. Callers over the limit wait for a slot or
// for their context to end.
type Runner struct {
	sem *semaphore.Weighted

	logger *slog.Logger
}

// NewRunner creates a Runner allowing limit concurrent processes. A limit below one is treated as one.
func NewRunner(limit int64, logger *slog.Logger) Runner {
	return Runner{
		sem:    semaphore.NewWeighted(max(limit, 1)),
		logger: logger.With(slog.String("module", "runner")),
	}
}

// Run starts name with args and returns its standard output. On failure the standard error is logged
// and left out of the returned error.
func (r Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("error waiting for a process slot: %w", err)
	}
	defer r.sem.Release(1)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running", slog.String("cmd", cmd.String()))

	if err := cmd.Run(); err != nil {
		r.logger.Error("Process failed",
			slog.String("cmd", cmd.String()),
			slog.String("stderr", stderr.String()),
			slog.String(errLoggerKey, err.Error()))
		return nil, fmt.Errorf("error running %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
