package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = "8080"
	defaultTextGenHost = "http://127.0.0.1:5000"
	defaultOllamaHost  = "http://127.0.0.1:11434"
	defaultFFmpeg      = "ffmpeg"
	defaultModelName   = "local"
)

type llmConfig interface {
	generator(logger *slog.Logger) (services.Generator, error)
	model() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	baseConfig `yaml:",inline"`

	LLM llmConfig `yaml:"-"`
}

type baseConfig struct {
	Port    string `yaml:"port" validate:"omitempty,number"`
	DataDir string `yaml:"dataDir"`
	// Format overrides the prompt format recommended for the model.
	Format string `yaml:"format"`

	OpenAI     openAIConfig     `yaml:"openai"`
	Embeddings embeddingsConfig `yaml:"embeddings"`
	XTTS       hostConfig       `yaml:"xtts"`
	ImageGen   hostConfig       `yaml:"imagen"`
	Whisper    whisperConfig    `yaml:"whisper"`
	FFmpeg     string           `yaml:"ffmpeg"`
	Tokenizer  string           `yaml:"tokenizer"`
	RolePlay   rolePlayConfig   `yaml:"roleplay"`

	// SubprocessLimit bounds the concurrent ffmpeg and whisper.cpp processes.
	SubprocessLimit int64 `yaml:"subprocessLimit" validate:"gte=0"`

	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers" validate:"dive"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers" validate:"dive"`
}

type textGenConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host" validate:"omitempty,url"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host" validate:"omitempty,url"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL" validate:"omitempty,url"`
	// RequestsPerMinute limits calls to the API, zero means unlimited.
	RequestsPerMinute int `yaml:"requestsPerMinute" validate:"gte=0"`
}

type embeddingsConfig struct {
	// OllamaModel embeds chunks with this Ollama model when no OpenAI key is set.
	OllamaModel string `yaml:"ollamaModel"`
	OllamaHost  string `yaml:"ollamaHost" validate:"omitempty,url"`
}

type hostConfig struct {
	Host string `yaml:"host" validate:"omitempty,url"`
}

type whisperConfig struct {
	Dir   string `yaml:"dir"`
	Model string `yaml:"model"`
}

type rolePlayConfig struct {
	Attempts   int           `yaml:"attempts" validate:"gte=0,lte=20"`
	RetryDelay time.Duration `yaml:"retryDelay" validate:"gte=0"`
}

type mcpSSEServerConfig struct {
	URL   string   `yaml:"url" validate:"required,url"`
	Tools []string `yaml:"tools"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
	Tools   []string `yaml:"tools"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		baseConfig `yaml:",inline"`
		LLM        map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.baseConfig = rawConfig.baseConfig

	if rawConfig.LLM == nil {
		c.LLM = &textGenConfig{}
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "textgen":
		llm = &textGenConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// loadConfig reads the config at path. A missing file yields the defaults when allowMissing is set.
func loadConfig(path string, allowMissing bool) (config, error) {
	cfg := config{LLM: &textGenConfig{}}

	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && allowMissing:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg.baseConfig); err != nil {
		return config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := validate.Struct(cfg.LLM); err != nil {
		return config{}, fmt.Errorf("invalid llm config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *config) applyDefaults(cfgDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(cfgDir, "data")
	}
	if c.FFmpeg == "" {
		c.FFmpeg = defaultFFmpeg
	}
	if c.Tokenizer == "" {
		c.Tokenizer = services.DefaultEncoding
	}
	if c.SubprocessLimit == 0 {
		c.SubprocessLimit = 2
	}
	if c.RolePlay.Attempts == 0 {
		c.RolePlay.Attempts = 5
	}
	if c.RolePlay.RetryDelay == 0 {
		c.RolePlay.RetryDelay = 50 * time.Millisecond
	}
	if c.Format == "" {
		c.Format = prompt.Recommend(c.LLM.model())
	}
	if c.Embeddings.OllamaHost == "" {
		c.Embeddings.OllamaHost = envOr("OLLAMA_HOST", defaultOllamaHost)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (b BaseLLMConfig) model() string {
	return b.Model
}

func (t textGenConfig) generator(logger *slog.Logger) (services.Generator, error) {
	host := t.Host
	if host == "" {
		host = envOr("TEXTGEN_HOST", defaultTextGenHost)
	}
	model := t.Model
	if model == "" {
		model = defaultModelName
	}
	return services.NewTextGen(host, model, logger), nil
}

func (o ollamaConfig) generator(logger *slog.Logger) (services.Generator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = envOr("OLLAMA_HOST", defaultOllamaHost)
	}
	return services.NewOllama(host, o.Model, logger), nil
}

func (o openAIConfig) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (o openAIConfig) limiter() *rate.Limiter {
	if o.RequestsPerMinute == 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.RequestsPerMinute)), 1)
}

// client returns an OpenAI client, or false when no API key is configured.
func (o openAIConfig) client(logger *slog.Logger) (services.OpenAI, bool) {
	key := o.apiKey()
	if key == "" {
		return services.OpenAI{}, false
	}
	model := o.Model
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return services.NewOpenAI(key, o.BaseURL, model, o.limiter(), logger), true
}

func (o openAIConfig) generator(logger *slog.Logger) (services.Generator, error) {
	cli, ok := o.client(logger)
	if !ok {
		return nil, services.ErrMissingAPIKey
	}
	return cli, nil
}
