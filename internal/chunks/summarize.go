package chunks

import (
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"golang.org/x/sync/errgroup"
)

// Completer generates text for a completion request.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// Summarizer fills chunk metadata using a summarize preset.
type Summarizer struct {
	llm    Completer
	tok    Tokenizer
	preset prompt.Preset
	format string
}

// NewSummarizer creates a Summarizer rendering preset in format.
func NewSummarizer(llm Completer, tok Tokenizer, preset prompt.Preset, format string) Summarizer {
	return Summarizer{
		llm:    llm,
		tok:    tok,
		preset: preset,
		format: format,
	}
}

// Summarize returns chunk with Metadata.Summary and Metadata.TokenCount set.
func (s Summarizer) Summarize(ctx context.Context, chunk models.TextChunk) (models.TextChunk, error) {
	tmpl, err := s.preset.Template(map[string]string{
		"Title":   chunk.Title,
		"Content": strings.TrimSpace(chunk.Content),
	})
	if err != nil {
		return chunk, err
	}
	rendered, err := tmpl.Render(s.format)
	if err != nil {
		return chunk, fmt.Errorf("error rendering summary prompt: %w", err)
	}

	req := models.DefaultCompletion()
	if s.preset.Params.Temperature > 0 {
		req.Temperature = s.preset.Params.Temperature
	}
	if s.preset.Params.MaxTokens > 0 {
		req.MaxTokens = s.preset.Params.MaxTokens
	}
	if len(s.preset.Params.Stop) > 0 {
		req.Stop = s.preset.Params.Stop
	}
	req = rendered.Apply(req, tmpl.Grammar)

	summary, err := s.llm.Complete(ctx, req)
	if err != nil {
		return chunk, fmt.Errorf("error summarizing %q: %w", chunk.Title, err)
	}
	tokens, err := s.tok.Encode(ctx, chunk.Content)
	if err != nil {
		return chunk, fmt.Errorf("error counting tokens: %w", err)
	}

	chunk.Metadata.Summary = strings.TrimSpace(summary)
	chunk.Metadata.TokenCount = len(tokens)
	return chunk, nil
}

// SummarizeParts summarizes every part of chunk, running at most parallel requests at once. The parts
// keep their order; the first failure cancels the rest.
func (s Summarizer) SummarizeParts(ctx context.Context, chunk models.TextChunk, parallel int) (models.TextChunk, error) {
	parts := make([]models.TextChunk, len(chunk.Parts))

	eg, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		eg.SetLimit(parallel)
	}
	for i, part := range chunk.Parts {
		eg.Go(func() error {
			summarized, err := s.Summarize(ctx, part)
			if err != nil {
				return err
			}
			parts[i] = summarized
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return chunk, err
	}

	chunk.Parts = parts
	return chunk, nil
}
