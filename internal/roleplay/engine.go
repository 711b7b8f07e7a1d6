package roleplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// Completer generates text for a fully formatted prompt.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// Scene is the state a generation action works on.
type Scene struct {
	ChatID      string
	Description string
	Messages    []models.Message
}

var (
	// ErrNoMessages is returned when every attempt produced output that parsed into no messages.
	ErrNoMessages = errors.New("model produced no usable messages")
	// ErrBusy is returned when a generation is already running for the same chat.
	ErrBusy = errors.New("a generation is already in progress for this chat")
	// ErrMessageNotFound is returned by Regenerate for an unknown message ID.
	ErrMessageNotFound = errors.New("message not found")
	// ErrIncomplete is returned by Continue, together with the messages produced so far, when the backend
	// failed after some messages were generated.
	ErrIncomplete = errors.New("generation stopped early")
)

const (
	defaultAttempts = 5
	defaultDelay    = 50 * time.Millisecond
)

// Engine runs the role-play generation actions. It allows one generation per chat at a time and retries
// a generation a bounded number of times, with a constant delay, when the output parses into nothing.
type Engine struct {
	llm      Completer
	params   models.CompletionRequest
	attempts int
	delay    time.Duration

	mu   sync.Mutex
	busy map[string]struct{}

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetry sets the total number of attempts and the delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.delay = delay
	}
}

// WithParams replaces the base generation parameters.
func WithParams(params models.CompletionRequest) Option {
	return func(e *Engine) {
		e.params = params
	}
}

// NewEngine creates an Engine generating with llm.
func NewEngine(llm Completer, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		llm: llm,
		params: models.CompletionRequest{
			Temperature:            0.75,
			MaxTokens:              512,
			GuidanceScale:          1.25,
			RepetitionPenalty:      1.25,
			RepetitionPenaltyRange: 64,
		},
		attempts: defaultAttempts,
		delay:    defaultDelay,
		busy:     make(map[string]struct{}),
		logger:   logger.With(slog.String("module", "roleplay")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add appends the user's line without generating anything. An empty character means narration.
func (e *Engine) Add(msgs []models.Message, input, character string) []models.Message {
	return models.AddMessage(msgs, userMessage(input, character))
}

// Send appends the user's line and the lines the model answers with. With oneAtATime, generation stops
// as soon as the model starts writing for the user's character again. On failure the returned slice
// still holds the user's line.
func (e *Engine) Send(ctx context.Context, scene Scene, input, character string, oneAtATime bool) ([]models.Message, error) {
	if err := e.acquire(scene.ChatID); err != nil {
		return scene.Messages, err
	}
	defer e.release(scene.ChatID)

	msgs := models.AddMessage(scene.Messages, userMessage(input, character))
	p := BuildPrompt(scene.Description, "", OrderPrepend, msgs)

	var generated []models.Message
	err := e.retry(ctx, "send", func(attempt int) error {
		req := e.request(p)
		if oneAtATime {
			stop := character
			if stop == "" {
				stop = "\n"
			}
			req.Stop = []string{stop}
		}
		if attempt == e.attempts-1 {
			req.BanEOSToken = true
		}

		res, err := e.complete(ctx, req)
		if err != nil {
			return err
		}
		generated = ParseResponse(strings.TrimSpace(res))
		if len(generated) == 0 {
			return ErrNoMessages
		}
		return nil
	})
	if err != nil {
		return msgs, err
	}
	return slices.Concat(msgs, generated), nil
}

// Continue lets the model carry on the conversation. A positive count asks for exactly that many new
// messages, zero accepts whatever the model produces as long as it is at least one message. If attempts
// run out after a partial result, the partial result is returned. If the backend fails after a partial
// result, the partial result is returned with ErrIncomplete.
func (e *Engine) Continue(ctx context.Context, scene Scene, count int) ([]models.Message, error) {
	if err := e.acquire(scene.ChatID); err != nil {
		return scene.Messages, err
	}
	defer e.release(scene.ChatID)

	var produced []models.Message
	done := func() bool {
		if count > 0 {
			return len(produced) >= count
		}
		return len(produced) > 0
	}

	err := e.retry(ctx, "continue", func(int) error {
		history := slices.Concat(scene.Messages, produced)
		req := e.request(BuildPrompt(scene.Description, InstructionContinue, OrderPrepend, history))
		need := count - len(produced)
		if count > 0 && need == 1 {
			req.Stop = []string{"\n"}
		}

		res, err := e.complete(ctx, req)
		if err != nil {
			return err
		}
		parsed := ParseResponse(strings.TrimSpace(res))
		if count > 0 && len(parsed) > need {
			parsed = parsed[:need]
		}
		produced = append(produced, parsed...)
		if !done() {
			return ErrNoMessages
		}
		return nil
	})
	if err != nil {
		if len(produced) == 0 {
			return scene.Messages, err
		}
		e.logger.Warn("Continued with fewer messages than requested",
			slog.String("chatID", scene.ChatID),
			slog.Int("want", count),
			slog.Int("got", len(produced)),
			slog.String(errLoggerKey, err.Error()))
		if !errors.Is(err, ErrNoMessages) {
			return slices.Concat(scene.Messages, produced), fmt.Errorf("%w: %w", ErrIncomplete, err)
		}
	}
	return slices.Concat(scene.Messages, produced), nil
}

// Fill completes the user's partially written line and returns the full line.
func (e *Engine) Fill(ctx context.Context, scene Scene, input, character string) (string, error) {
	if err := e.acquire(scene.ChatID); err != nil {
		return "", err
	}
	defer e.release(scene.ChatID)

	p := strings.TrimSpace(BuildPrompt(scene.Description, InstructionFill, OrderPrepend, scene.Messages)) + "\n"
	if character != "" {
		p += character + ": "
	}
	p += strings.TrimSpace(input)

	var completion string
	err := e.retry(ctx, "fill", func(int) error {
		req := e.request(p)
		req.BanEOSToken = true
		req.Stop = []string{"\n"}
		if character != "" {
			req.Stop = append(req.Stop, character)
		}

		res, err := e.complete(ctx, req)
		if err != nil {
			return err
		}
		if res == "" {
			return ErrNoMessages
		}
		completion = res
		return nil
	})
	if err != nil {
		return "", err
	}
	return input + completion, nil
}

// Regenerate replaces the message with the given ID by a new line generated from the messages before it.
func (e *Engine) Regenerate(ctx context.Context, scene Scene, msgID string) ([]models.Message, error) {
	idx := models.IndexByID(scene.Messages, msgID)
	if idx < 0 {
		return scene.Messages, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	if err := e.acquire(scene.ChatID); err != nil {
		return scene.Messages, err
	}
	defer e.release(scene.ChatID)

	p := strings.TrimSpace(BuildPrompt(scene.Description, InstructionRegenerate, OrderPrepend, scene.Messages[:idx])) + "\n"

	var line models.Message
	err := e.retry(ctx, "regenerate", func(int) error {
		req := e.request(p)
		req.Temperature = 0.75
		req.Stop = []string{"\n"}
		req.BanEOSToken = true

		res, err := e.complete(ctx, req)
		if err != nil {
			return err
		}
		parsed := ParseResponse(strings.TrimSpace(res))
		if len(parsed) == 0 {
			return ErrNoMessages
		}
		line = parsed[0]
		return nil
	})
	if err != nil {
		return scene.Messages, err
	}

	out := slices.Clone(scene.Messages)
	out[idx] = line
	return out, nil
}

func (e *Engine) request(p string) models.CompletionRequest {
	req := e.params
	req.Stop = slices.Clone(e.params.Stop)
	req.Prompt = p
	return req
}

// complete marks backend failures as permanent so only unusable output is retried.
func (e *Engine) complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	res, err := e.llm.Complete(ctx, req)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("error generating: %w", err))
	}
	return res, nil
}

func (e *Engine) retry(ctx context.Context, action string, fn func(attempt int) error) error {
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.delay), uint64(e.attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		defer func() { attempt++ }()
		return fn(attempt)
	}, b, func(err error, _ time.Duration) {
		e.logger.Debug("Retrying generation",
			slog.String("action", action),
			slog.Int("attempt", attempt),
			slog.String(errLoggerKey, err.Error()))
	})
	if err != nil {
		e.logger.Error("Generation failed",
			slog.String("action", action),
			slog.Int("attempts", attempt),
			slog.String(errLoggerKey, err.Error()))
	}
	return err
}

func (e *Engine) acquire(chatID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.busy[chatID]; ok {
		return ErrBusy
	}
	e.busy[chatID] = struct{}{}
	return nil
}

func (e *Engine) release(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, chatID)
}

func userMessage(input, character string) models.Message {
	role := character
	if role == "" {
		role = models.RoleAction
	}
	return models.NewMessage(models.MessageTypeMessage, role, input)
}

const errLoggerKey = "err"
