package services

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used by the OpenAI chat models.
const DefaultEncoding = "cl100k_base"

// Tiktoken counts and converts tokens locally with an OpenAI BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. An empty name loads DefaultEncoding.
func NewTiktoken(encoding string) (Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return Tiktoken{}, fmt.Errorf("error loading encoding %s: %w", encoding, err)
	}
	return Tiktoken{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t Tiktoken) Count(ctx context.Context, text string) (int, error) {
	tokens, err := t.Encode(ctx, text)
	return len(tokens), err
}

// Encode returns the tokens of text. Special token text is encoded as ordinary text.
func (t Tiktoken) Encode(_ context.Context, text string) ([]int, error) {
	return t.enc.Encode(text, nil, nil), nil
}

// Decode returns the text of tokens.
func (t Tiktoken) Decode(_ context.Context, tokens []int) (string, error) {
	return t.enc.Decode(tokens), nil
}
