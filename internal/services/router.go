package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
)

// Generator is a text generation backend.
type Generator interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
	Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error]
	Models(ctx context.Context) ([]string, error)
}

// ErrMissingAPIKey is returned when a request is routed to OpenAI and no key is configured.
var ErrMissingAPIKey = errors.New("an OpenAI API key is required for this model")

var openAIModelPrefixes = []string{"gpt-3.5", "gpt-4"}

// Router sends requests for OpenAI chat models to OpenAI and everything else to the local backend.
type Router struct {
	local  Generator
	remote Generator

	logger *slog.Logger
}

// NewRouter creates a Router. remote may be nil when no OpenAI key is configured.
func NewRouter(local, remote Generator, logger *slog.Logger) Router {
	return Router{
		local:  local,
		remote: remote,
		logger: logger.With(slog.String("module", "router")),
	}
}

// IsOpenAIModel reports whether model is served by OpenAI.
func IsOpenAIModel(model string) bool {
	for _, prefix := range openAIModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete routes a blocking completion.
func (r Router) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	g, err := r.pick(req.Model)
	if err != nil {
		return "", err
	}
	return g.Complete(ctx, req)
}

// Stream routes a streaming completion.
func (r Router) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	g, err := r.pick(req.Model)
	if err != nil {
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}
	return g.Stream(ctx, req)
}

// Models lists the local models followed by the OpenAI ones. A failing OpenAI listing is logged and
// skipped.
func (r Router) Models(ctx context.Context) ([]string, error) {
	names, err := r.local.Models(ctx)
	if err != nil {
		return nil, err
	}
	if r.remote == nil {
		return names, nil
	}
	remote, err := r.remote.Models(ctx)
	if err != nil {
		r.logger.Warn("Failed to list OpenAI models", slog.String(errLoggerKey, err.Error()))
		return names, nil
	}
	return append(names, remote...), nil
}

func (r Router) pick(model string) (Generator, error) {
	if !IsOpenAIModel(model) {
		return r.local, nil
	}
	if r.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, model)
	}
	return r.remote, nil
}
