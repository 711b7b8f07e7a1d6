package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAI wraps the OpenAI API: chat completions, speech, embeddings and the model list. Every call waits
// on a shared rate limiter.
type OpenAI struct {
	model          string
	embeddingModel string

	client  *goopenai.Client
	limiter *rate.Limiter

	logger *slog.Logger
}

// OpenAIVoices are the speakers offered by the OpenAI speech endpoint.
var OpenAIVoices = []string{
	string(goopenai.VoiceAlloy),
	string(goopenai.VoiceEcho),
	string(goopenai.VoiceFable),
	string(goopenai.VoiceOnyx),
	string(goopenai.VoiceNova),
	string(goopenai.VoiceShimmer),
}

// ErrUnknownVoice is returned by Speech for a voice outside OpenAIVoices.
var ErrUnknownVoice = errors.New("unknown voice")

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses the official endpoint. limiter may be nil
// for no limit.
func NewOpenAI(apiKey, baseURL, model string, limiter *rate.Limiter, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return OpenAI{
		model:          model,
		embeddingModel: string(goopenai.SmallEmbedding3),
		client:         goopenai.NewClientWithConfig(cfg),
		limiter:        limiter,
		logger:         logger.With(slog.String("module", "openai")),
	}
}

// Complete returns the assistant reply. A plain prompt is sent as a single user message.
func (o OpenAI) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream yields the assistant reply as it is produced.
func (o OpenAI) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := o.limiter.Wait(ctx); err != nil {
			yield("", err)
			return
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, o.chatRequest(req, true))
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			if text := response.Choices[0].Delta.Content; text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// Models lists the chat models, the ones whose ID starts with "gpt".
func (o OpenAI) Models(ctx context.Context) ([]string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	var names []string
	for _, m := range list.Models {
		if strings.HasPrefix(m.ID, "gpt") {
			names = append(names, m.ID)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Speech synthesizes text with the tts-1 model and returns the MP3 stream. The caller must close it.
func (o OpenAI) Speech(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	if !slices.Contains(OpenAIVoices, voice) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVoice, voice)
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := o.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.TTSModel1,
		Input:          text,
		Voice:          goopenai.SpeechVoice(voice),
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating speech: %w", err)
	}
	return res, nil
}

// Embed returns the embedding of text. Its signature matches chromem.EmbeddingFunc.
func (o OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := o.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating embedding: %w", err)
	}
	if len(res.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return res.Data[0].Embedding, nil
}

// Ping checks that the API answers with the configured key.
func (o OpenAI) Ping(ctx context.Context) error {
	_, err := o.client.ListModels(ctx)
	return err
}

func (o OpenAI) chatRequest(req models.CompletionRequest, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	for _, msg := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(msgs) == 0 {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	model := req.Model
	if model == "" {
		model = o.model
	}

	r := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Stop:        req.Stop,
	}
	if req.Seed != 0 {
		seed := req.Seed
		r.Seed = &seed
	}
	return r
}
