package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Speaker is a voice a TTS provider can speak with.
type Speaker struct {
	Name       string `json:"name"`
	VoiceID    string `json:"voice_id"`
	PreviewURL string `json:"preview_url"`
}

// Audio is a synthesized clip. The caller must close Body.
type Audio struct {
	Body        io.ReadCloser
	ContentType string
}

// XTTS is a client for an xtts-api-server instance.
type XTTS struct {
	host     string
	language string

	client *http.Client

	logger *slog.Logger
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
	FileName   string `json:"file_name_or_path,omitempty"`
}

// NewXTTS creates an XTTS client for the server at host. Speech is requested in English.
func NewXTTS(host string, logger *slog.Logger) XTTS {
	return XTTS{
		host:     strings.TrimRight(host, "/"),
		language: "en",
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "xtts")),
	}
}

// Speech synthesizes text with the voice sample named speaker, without its file extension.
func (x XTTS) Speech(ctx context.Context, text, speaker string) (Audio, error) {
	resp, err := x.post(ctx, "/tts_to_audio/", xttsRequest{Text: text, SpeakerWav: speaker, Language: x.language})
	if err != nil {
		return Audio{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/wav"
	}
	return Audio{Body: resp.Body, ContentType: ct}, nil
}

// SpeechToFile has the server synthesize text straight into a WAV file on its side and returns what the
// server answered.
func (x XTTS) SpeechToFile(ctx context.Context, text, speaker, file string) (json.RawMessage, error) {
	if !strings.HasSuffix(file, ".wav") {
		file += ".wav"
	}
	resp, err := x.post(ctx, "/tts_to_file/", xttsRequest{
		Text:       text,
		SpeakerWav: speaker,
		Language:   x.language,
		FileName:   file,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return res, nil
}

// Speakers lists the voice samples available on the server.
func (x XTTS) Speakers(ctx context.Context) ([]Speaker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.host+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := x.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var speakers []Speaker
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("error decoding speakers: %w", err)
	}
	return speakers, nil
}

// Ping checks that the server answers.
func (x XTTS) Ping(ctx context.Context) error {
	_, err := x.Speakers(ctx)
	return err
}

func (x XTTS) post(ctx context.Context, path string, body xttsRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.host+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return x.do(req)
}

func (x XTTS) do(req *http.Request) (*http.Response, error) {
	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("XTTS API responded with status %d: %s", resp.StatusCode, string(b))
	}
	return resp, nil
}

// TTS providers selectable by name.
const (
	ProviderXTTS   = "XTTS"
	ProviderOpenAI = "OpenAI"
)

// ErrUnknownProvider is returned for a TTS provider name that is not configured.
var ErrUnknownProvider = errors.New("unknown TTS provider")

type openAISpeech interface {
	Speech(ctx context.Context, text, voice string) (io.ReadCloser, error)
}

// TTS dispatches speech requests to XTTS or OpenAI by provider name.
type TTS struct {
	xtts   *XTTS
	openai openAISpeech
}

// NewTTS creates a TTS. Either provider may be nil when it is not configured.
func NewTTS(xtts *XTTS, openai openAISpeech) TTS {
	return TTS{xtts: xtts, openai: openai}
}

// Speech synthesizes text with voice using provider.
func (t TTS) Speech(ctx context.Context, provider, text, voice string) (Audio, error) {
	switch {
	case provider == ProviderXTTS && t.xtts != nil:
		return t.xtts.Speech(ctx, text, voice)
	case provider == ProviderOpenAI && t.openai != nil:
		body, err := t.openai.Speech(ctx, text, voice)
		if err != nil {
			return Audio{}, err
		}
		return Audio{Body: body, ContentType: "audio/mpeg"}, nil
	default:
		return Audio{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Speakers lists the voices of provider. OpenAI voices are a fixed list.
func (t TTS) Speakers(ctx context.Context, provider string) ([]Speaker, error) {
	switch {
	case provider == ProviderXTTS && t.xtts != nil:
		return t.xtts.Speakers(ctx)
	case provider == ProviderOpenAI && t.openai != nil:
		speakers := make([]Speaker, len(OpenAIVoices))
		for i, v := range OpenAIVoices {
			speakers[i] = Speaker{Name: v, VoiceID: v}
		}
		return speakers, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// SpeechToFile has XTTS write the clip to file on the XTTS host. Only XTTS supports it.
func (t TTS) SpeechToFile(ctx context.Context, text, voice, file string) (json.RawMessage, error) {
	if t.xtts == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, ProviderXTTS)
	}
	return t.xtts.SpeechToFile(ctx, text, voice, file)
}
