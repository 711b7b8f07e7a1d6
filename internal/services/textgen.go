package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/tmaxmax/go-sse"
)

// TextGen is a client for text-generation-webui's OpenAI compatible API, including the internal
// endpoints for model management and tokenization.
type TextGen struct {
	host  string
	model string

	client *http.Client

	logger *slog.Logger
}

// ModelInfo describes the model loaded in the text generation server.
type ModelInfo struct {
	ModelName string   `json:"model_name"`
	LoraNames []string `json:"lora_names"`
}

// LoadModelRequest asks the server to load a model. Args and Settings are passed through untouched.
type LoadModelRequest struct {
	ModelName string         `json:"model_name" validate:"required"`
	Args      map[string]any `json:"args,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

type textGenCompletionRequest struct {
	Model                  string               `json:"model,omitempty"`
	Prompt                 string               `json:"prompt,omitempty"`
	Messages               []models.ChatMessage `json:"messages,omitempty"`
	Mode                   string               `json:"mode,omitempty"`
	MaxTokens              int                  `json:"max_tokens,omitempty"`
	Temperature            float64              `json:"temperature,omitempty"`
	TopP                   float64              `json:"top_p,omitempty"`
	TopK                   int                  `json:"top_k,omitempty"`
	RepetitionPenalty      float64              `json:"repetition_penalty,omitempty"`
	RepetitionPenaltyRange int                  `json:"repetition_penalty_range,omitempty"`
	GuidanceScale          float64              `json:"guidance_scale,omitempty"`
	Stop                   []string             `json:"stop,omitempty"`
	BanEOSToken            bool                 `json:"ban_eos_token,omitempty"`
	Grammar                string               `json:"grammar_string,omitempty"`
	Seed                   int                  `json:"seed,omitempty"`
	Stream                 bool                 `json:"stream"`
}

type textGenResponse struct {
	Choices []textGenChoice `json:"choices"`
}

type textGenChoice struct {
	Text    string             `json:"text"`
	Message models.ChatMessage `json:"message"`
	Delta   models.ChatMessage `json:"delta"`
}

func (c textGenChoice) content() string {
	switch {
	case c.Text != "":
		return c.Text
	case c.Message.Content != "":
		return c.Message.Content
	default:
		return c.Delta.Content
	}
}

type textGenModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// NewTextGen creates a TextGen for the server at host, e.g. "http://127.0.0.1:5000". model is sent with
// every request that does not name one.
func NewTextGen(host, model string, logger *slog.Logger) TextGen {
	return TextGen{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "textgen")),
	}
}

// Complete sends a blocking completion. Requests carrying messages go to the chat endpoint in instruct
// mode, all others to the raw completion endpoint.
func (t TextGen) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	resp, err := t.doCompletion(ctx, req, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res textGenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return res.Choices[0].content(), nil
}

// Stream sends a streaming completion and yields text deltas as they arrive.
func (t TextGen) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := t.doCompletion(ctx, req, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Data == "[DONE]" {
				return
			}

			var res textGenResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}
			if text := res.Choices[0].content(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// Models lists the models the server can load.
func (t TextGen) Models(ctx context.Context) ([]string, error) {
	var res textGenModelList
	if err := t.doJSON(ctx, http.MethodGet, "/v1/models", nil, &res); err != nil {
		return nil, err
	}
	names := make([]string, len(res.Data))
	for i, m := range res.Data {
		names[i] = m.ID
	}
	return names, nil
}

// ModelInfo returns the loaded model.
func (t TextGen) ModelInfo(ctx context.Context) (ModelInfo, error) {
	var info ModelInfo
	if err := t.doJSON(ctx, http.MethodGet, "/v1/internal/model/info", nil, &info); err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// LoadModel loads a model, replacing the current one.
func (t TextGen) LoadModel(ctx context.Context, req LoadModelRequest) error {
	return t.doJSON(ctx, http.MethodPost, "/v1/internal/model/load", req, nil)
}

// StopGeneration interrupts the generation in progress, if any.
func (t TextGen) StopGeneration(ctx context.Context) error {
	return t.doJSON(ctx, http.MethodPost, "/v1/internal/stop-generation", nil, nil)
}

// TokenCount returns the number of tokens text encodes to with the loaded model.
func (t TextGen) TokenCount(ctx context.Context, text string) (int, error) {
	var res struct {
		Length int `json:"length"`
	}
	if err := t.doJSON(ctx, http.MethodPost, "/v1/internal/token-count", map[string]string{"text": text}, &res); err != nil {
		return 0, err
	}
	return res.Length, nil
}

// Encode tokenizes text with the loaded model.
func (t TextGen) Encode(ctx context.Context, text string) ([]int, error) {
	var res struct {
		Tokens []int `json:"tokens"`
	}
	if err := t.doJSON(ctx, http.MethodPost, "/v1/internal/encode", map[string]string{"text": text}, &res); err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// Decode turns tokens of the loaded model back into text.
func (t TextGen) Decode(ctx context.Context, tokens []int) (string, error) {
	var res struct {
		Text string `json:"text"`
	}
	if err := t.doJSON(ctx, http.MethodPost, "/v1/internal/decode", map[string][]int{"tokens": tokens}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

// Ping checks that the server answers.
func (t TextGen) Ping(ctx context.Context) error {
	_, err := t.Models(ctx)
	return err
}

func (t TextGen) doCompletion(ctx context.Context, req models.CompletionRequest, stream bool) (*http.Response, error) {
	body := textGenCompletionRequest{
		Model:                  req.Model,
		Prompt:                 req.Prompt,
		Messages:               req.Messages,
		MaxTokens:              req.MaxTokens,
		Temperature:            req.Temperature,
		TopP:                   req.TopP,
		TopK:                   req.TopK,
		RepetitionPenalty:      req.RepetitionPenalty,
		RepetitionPenaltyRange: req.RepetitionPenaltyRange,
		GuidanceScale:          req.GuidanceScale,
		Stop:                   req.Stop,
		BanEOSToken:            req.BanEOSToken,
		Grammar:                req.Grammar,
		Seed:                   req.Seed,
		Stream:                 stream,
	}
	if body.Model == "" {
		body.Model = t.model
	}

	path := "/v1/completions"
	if len(req.Messages) > 0 {
		path = "/v1/chat/completions"
		body.Prompt = ""
		body.Mode = "instruct"
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	t.logger.Debug("Request Body", slog.String("path", path), slog.String("body", string(jsonBody)))

	return t.do(ctx, http.MethodPost, path, jsonBody)
}

func (t TextGen) doJSON(ctx context.Context, method, path string, in, out any) error {
	var jsonBody []byte
	if in != nil {
		var err error
		if jsonBody, err = json.Marshal(in); err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
	}

	resp, err := t.do(ctx, method, path, jsonBody)
	if err != nil {
		return fmt.Errorf("error sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response from %s: %w", path, err)
	}
	return nil
}

func (t TextGen) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.host+path, r)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(b))
	}
	return resp, nil
}
