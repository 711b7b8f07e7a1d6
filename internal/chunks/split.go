// Package chunks prepares large texts for summarization: splitting them on token windows and filling in
// the summary metadata of every part.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/google/uuid"
)

// Tokenizer converts between text and the token IDs of the model the chunks are sized for.
type Tokenizer interface {
	Encode(ctx context.Context, text string) ([]int, error)
	Decode(ctx context.Context, tokens []int) (string, error)
}

// ErrInvalidWindow is returned by Split when maxTokens is not positive or overlap is negative.
var ErrInvalidWindow = errors.New("invalid split window")

// Split cuts the chunk source into windows of at most maxTokens tokens. A window ends right after the
// last newline token inside it, when there is one, so parts break between lines. Every part after the
// first may start up to overlap tokens earlier, at the first newline found in that range. Parts are
// titled "<title> (part N)" counting from zero and keep the full source in OriginalContent.
func Split(ctx context.Context, tok Tokenizer, chunk models.TextChunk, maxTokens, overlap int) ([]models.TextChunk, error) {
	if maxTokens <= 0 || overlap < 0 {
		return nil, fmt.Errorf("%w: maxTokens=%d overlap=%d", ErrInvalidWindow, maxTokens, overlap)
	}

	source := chunk.Source()
	tokens, err := tok.Encode(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("error encoding chunk: %w", err)
	}
	nl, err := tok.Encode(ctx, "\n")
	if err != nil {
		return nil, fmt.Errorf("error encoding newline: %w", err)
	}
	newline := -1
	if len(nl) > 0 {
		newline = nl[len(nl)-1]
	}

	var parts []models.TextChunk
	for start := 0; start < len(tokens); {
		end := min(start+maxTokens, len(tokens))
		if end < len(tokens) {
			if i := lastIndex(tokens[:end], newline); i >= start {
				end = i + 1
			}
		}

		if len(parts) > 0 {
			from := max(0, start-overlap)
			if i := slices.Index(tokens[from:], newline); i >= 0 && from+i < start {
				start = from + i
			}
		}

		if start < end {
			text, err := tok.Decode(ctx, tokens[start:end])
			if err != nil {
				return nil, fmt.Errorf("error decoding part %d: %w", len(parts), err)
			}
			parts = append(parts, models.TextChunk{
				ID:              uuid.New().String(),
				Title:           fmt.Sprintf("%s (part %d)", chunk.Title, len(parts)),
				Content:         strings.TrimSpace(text),
				OriginalContent: source,
			})
		}
		start = end
	}
	return parts, nil
}

func lastIndex(tokens []int, token int) int {
	for i := len(tokens) - 1; i >= 0; i-- {
		if tokens[i] == token {
			return i
		}
	}
	return -1
}
