package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/chunks"
	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/roleplay"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/MegaGrindStone/ai-experiments/internal/story"
	"github.com/go-playground/validator/v10"
	"github.com/tmaxmax/go-sse"
)

// LLM generates text for a completion request, either at once or as a stream of chunks.
type LLM interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
	Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error]
	Models(ctx context.Context) ([]string, error)
}

// ModelManager controls the model loaded in the local text generation server.
type ModelManager interface {
	ModelInfo(ctx context.Context) (services.ModelInfo, error)
	LoadModel(ctx context.Context, req services.LoadModelRequest) error
	StopGeneration(ctx context.Context) error
}

// Tokenizer counts and converts tokens for the token endpoints and chunk splitting.
type Tokenizer interface {
	chunks.Tokenizer
	Count(ctx context.Context, text string) (int, error)
}

// Store defines the persistence the handlers need: role-play chats and their messages, staged text
// chunks and opaque settings blobs.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, id string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) error
	SetMessages(ctx context.Context, chatID string, messages []models.Message) error

	Chunks(ctx context.Context) ([]models.TextChunk, error)
	Chunk(ctx context.Context, id string) (models.TextChunk, error)
	SaveChunk(ctx context.Context, chunk models.TextChunk) error
	DeleteChunk(ctx context.Context, id string) error

	Setting(ctx context.Context, key string) (json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value json.RawMessage) error
}

// TTS turns text into speech with a named provider.
type TTS interface {
	Speech(ctx context.Context, provider, text, voice string) (services.Audio, error)
	Speakers(ctx context.Context, provider string) ([]services.Speaker, error)
	SpeechToFile(ctx context.Context, text, voice, file string) (json.RawMessage, error)
}

// Transcoder converts audio files to 16kHz mono WAV.
type Transcoder interface {
	ToWav(ctx context.Context, in string) (string, error)
}

// Transcriber turns a WAV file into timed text segments.
type Transcriber interface {
	Transcribe(ctx context.Context, file string) ([]services.Segment, error)
}

// Extractor reads the plain text out of an uploaded document.
type Extractor interface {
	Extract(name string, r io.Reader) (services.Extracted, error)
}

// ImageGen is a Stable Diffusion server.
type ImageGen interface {
	Txt2Img(ctx context.Context, req services.Txt2ImgRequest) (services.Txt2ImgResponse, error)
	Samplers(ctx context.Context) ([]services.Sampler, error)
	Loras(ctx context.Context) ([]services.Lora, error)
	Models(ctx context.Context) ([]services.SDModel, error)
	Interrupt(ctx context.Context) error
}

// ToolCaller calls MCP tools by name.
type ToolCaller interface {
	Names() []string
	Call(ctx context.Context, name string, args json.RawMessage) (services.ToolResult, error)
}

// ChunkIndex is a similarity index over chunk contents.
type ChunkIndex interface {
	Index(ctx context.Context, chunk models.TextChunk) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, n int) ([]services.SearchResult, error)
}

// RolePlayer runs the role-play generation actions against a scene.
type RolePlayer interface {
	Add(msgs []models.Message, input, character string) []models.Message
	Send(ctx context.Context, scene roleplay.Scene, input, character string, oneAtATime bool) ([]models.Message, error)
	Continue(ctx context.Context, scene roleplay.Scene, count int) ([]models.Message, error)
	Fill(ctx context.Context, scene roleplay.Scene, input, character string) (string, error)
	Regenerate(ctx context.Context, scene roleplay.Scene, msgID string) ([]models.Message, error)
}

// StoryGenerator fills one field of a story state.
type StoryGenerator interface {
	Generate(ctx context.Context, req story.Request) (story.State, error)
}

// Summarizer summarizes chunks and their parts.
type Summarizer interface {
	Summarize(ctx context.Context, chunk models.TextChunk) (models.TextChunk, error)
	SummarizeParts(ctx context.Context, chunk models.TextChunk, parallel int) (models.TextChunk, error)
}

// Pinger reports whether a collaborator is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the collaborators the handlers talk to. Any of them may be nil, the routes backed by
// a missing collaborator answer 503.
type Services struct {
	LLM        LLM
	Models     ModelManager
	Tokenizer  Tokenizer
	Store      Store
	TTS        TTS
	Transcoder Transcoder
	Whisper    Transcriber
	Extractor  Extractor
	ImageGen   ImageGen
	Tools      ToolCaller
	Index      ChunkIndex
	RolePlay   RolePlayer
	Story      StoryGenerator
	Summarizer Summarizer
	Presets    prompt.Presets
	// Health is polled by the status endpoint, keyed by the collaborator name shown to the user.
	Health map[string]Pinger

	// DataDir holds uploads and generated audio files.
	DataDir string
	// Format is the prompt format used when a request names none.
	Format string
}

// Main serves the HTTP API of the gateway and fans role-play updates out to SSE subscribers.
type Main struct {
	sseSrv   *sse.Server
	validate *validator.Validate
	locks    *chatLocks

	svc Services

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	chatIDTopicPrefix = "chat-"
)

// NewMain creates the handlers for svc. The data directory is created when missing. Clients of the SSE
// endpoint subscribe to the updates of the chat named by the chat_id query parameter.
func NewMain(svc Services, logger *slog.Logger) (Main, error) {
	if svc.DataDir != "" {
		if err := os.MkdirAll(svc.DataDir, 0755); err != nil {
			return Main{}, fmt.Errorf("error creating data directory: %w", err)
		}
	}
	if svc.Format == "" {
		svc.Format = prompt.FormatFlexible
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				chatID := s.Req.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		locks:    newChatLocks(),
		svc:      svc,
		logger:   logger.With(slog.String("module", "main")),
	}, nil
}

func chatIDTopic(chatID string) string {
	return chatIDTopicPrefix + chatID
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// SSE events need data to be dispatched.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
