package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama generates text with an Ollama server. Prompts are sent raw since callers format them
// themselves; requests with messages use the chat endpoint instead.
type Ollama struct {
	host  string
	model string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and default model. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model string, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}
}

// Complete returns the whole generated text.
func (o Ollama) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	var sb strings.Builder
	for chunk, err := range o.generate(ctx, req, false) {
		if err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// Stream yields the generated text as it is produced.
func (o Ollama) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return o.generate(ctx, req, true)
}

// Models lists the locally available models.
func (o Ollama) Models(ctx context.Context) ([]string, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	names := make([]string, len(res.Models))
	for i, m := range res.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Ping checks that the server answers.
func (o Ollama) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("error reaching ollama at %s: %w", o.host, err)
	}
	return nil
}

var errStopped = errors.New("stopped by consumer")

func (o Ollama) generate(ctx context.Context, req models.CompletionRequest, stream bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		model := req.Model
		if model == "" {
			model = o.model
		}
		opts := ollamaOptions(req)

		// Returning errStopped from the response callback ends the request once the consumer is done.
		emit := func(text string) error {
			if text == "" {
				return nil
			}
			if !yield(text, nil) {
				return errStopped
			}
			return nil
		}

		var err error
		if len(req.Messages) > 0 {
			msgs := make([]api.Message, len(req.Messages))
			for i, msg := range req.Messages {
				msgs[i] = api.Message{Role: msg.Role, Content: msg.Content}
			}
			err = o.client.Chat(ctx, &api.ChatRequest{
				Model:    model,
				Messages: msgs,
				Stream:   &stream,
				Options:  opts,
			}, func(res api.ChatResponse) error {
				return emit(res.Message.Content)
			})
		} else {
			err = o.client.Generate(ctx, &api.GenerateRequest{
				Model:   model,
				Prompt:  req.Prompt,
				Raw:     true,
				Stream:  &stream,
				Options: opts,
			}, func(res api.GenerateResponse) error {
				return emit(res.Response)
			})
		}
		if err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// ollamaOptions maps the shared options onto Ollama's option names. Guidance scale, grammar and EOS
// banning have no Ollama equivalent and are dropped.
func ollamaOptions(req models.CompletionRequest) map[string]any {
	opts := make(map[string]any)
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		opts["top_p"] = req.TopP
	}
	if req.TopK > 0 {
		opts["top_k"] = req.TopK
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.RepetitionPenalty > 0 {
		opts["repeat_penalty"] = req.RepetitionPenalty
	}
	if req.RepetitionPenaltyRange > 0 {
		opts["repeat_last_n"] = req.RepetitionPenaltyRange
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if req.Seed != 0 {
		opts["seed"] = req.Seed
	}
	return opts
}
