package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	aiexperiments "github.com/MegaGrindStone/ai-experiments"
	"github.com/MegaGrindStone/ai-experiments/internal/chunks"
	"github.com/MegaGrindStone/ai-experiments/internal/handlers"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/roleplay"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/MegaGrindStone/ai-experiments/internal/story"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/joho/godotenv"
	"github.com/philippgille/chromem-go"
	"github.com/spf13/cobra"
)

const presetPattern = "presets/*.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		debug   bool
	)

	root := &cobra.Command{
		Use:          "ai-experiments",
		Short:        "Gateway for the AI experiment demos",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("error loading .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default is <user config dir>/ai-experiments/config.yaml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	newLogger := func() *slog.Logger {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path, allowMissing, err := configPath(cfgPath)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(path, allowMissing)
			if err != nil {
				return err
			}
			return serve(cfg, newLogger())
		},
	})
	root.AddCommand(newPromptCmd())

	return root
}

// configPath returns the config file to read. Only the default location may be missing.
func configPath(flag string) (string, bool, error) {
	if flag != "" {
		return flag, false, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", false, fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "ai-experiments")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return "", false, fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(cfgPath, "config.yaml"), true, nil
}

func newPromptCmd() *cobra.Command {
	var (
		format string
		vars   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "prompt <preset name or file>",
		Short: "Render a prompt preset",
		Long: "Render a bundled prompt preset, or a preset YAML file, with the given variables and " +
			"print the prompt the model would receive.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preset, err := findPreset(args[0])
			if err != nil {
				return err
			}
			tmpl, err := preset.Template(vars)
			if err != nil {
				return err
			}
			if format == "" {
				format = preset.Format
			}
			if format == "" {
				format = prompt.FormatFlexible
			}
			rendered, err := tmpl.Render(format)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rendered.Messages != nil {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rendered.Messages)
			}
			_, err = fmt.Fprint(out, rendered.Prompt)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "prompt format: "+strings.Join(prompt.Formats(), ", "))
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable as key=value, repeatable")

	return cmd
}

// findPreset loads name from the bundled presets, or from the YAML file it names.
func findPreset(name string) (prompt.Preset, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		presets, err := prompt.LoadPresets(os.DirFS(filepath.Dir(name)), filepath.Base(name))
		if err != nil {
			return prompt.Preset{}, err
		}
		for _, p := range presets {
			return p, nil
		}
		return prompt.Preset{}, fmt.Errorf("no preset in %s", name)
	}

	presets, err := prompt.LoadPresets(aiexperiments.PresetFS, presetPattern)
	if err != nil {
		return prompt.Preset{}, err
	}
	p, ok := presets[name]
	if !ok {
		return prompt.Preset{}, fmt.Errorf("unknown preset %q, available: %s", name, strings.Join(presets.Names(), ", "))
	}
	return p, nil
}

func serve(cfg config, logger *slog.Logger) error {
	svc, closers, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	mcpConns, toolServers, err := startMCP(cfg, mcp.Info{Name: "ai-experiments", Version: "0.1.0"}, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mcpConns.close(ctx)
	}()

	if len(toolServers) > 0 {
		tools, err := services.NewTools(toolServers, logger)
		if err != nil {
			return err
		}
		svc.Tools = tools
	}

	m, err := handlers.NewMain(svc, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}

// buildServices creates every configured collaborator. The returned functions release them.
func buildServices(cfg config, logger *slog.Logger) (handlers.Services, []func(), error) {
	svc := handlers.Services{
		DataDir:   cfg.DataDir,
		Format:    cfg.Format,
		Extractor: services.TextExtractor{},
		Health:    make(map[string]handlers.Pinger),
	}
	var closers []func()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return svc, nil, fmt.Errorf("error creating data directory: %w", err)
	}

	presets, err := prompt.LoadPresets(aiexperiments.PresetFS, presetPattern)
	if err != nil {
		return svc, nil, err
	}
	svc.Presets = presets

	local, err := cfg.LLM.generator(logger)
	if err != nil {
		return svc, nil, fmt.Errorf("error creating llm: %w", err)
	}
	if p, ok := local.(handlers.Pinger); ok {
		svc.Health["llm"] = p
	}
	if mm, ok := local.(handlers.ModelManager); ok {
		svc.Models = mm
	}

	var remote services.Generator
	oai, hasOpenAI := cfg.OpenAI.client(logger)
	if hasOpenAI {
		svc.Health["openai"] = oai
		if _, isOpenAI := cfg.LLM.(*openAIConfig); !isOpenAI {
			remote = oai
		}
	}
	llm := services.NewRouter(local, remote, logger)
	svc.LLM = llm

	tok, err := services.NewTiktoken(cfg.Tokenizer)
	if err != nil {
		return svc, nil, err
	}
	svc.Tokenizer = tok

	boltDB, err := services.NewBoltDB(filepath.Join(cfg.DataDir, "store.db"))
	if err != nil {
		return svc, nil, err
	}
	svc.Store = boltDB
	closers = append(closers, func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	})

	var embed chromem.EmbeddingFunc
	switch {
	case hasOpenAI:
		embed = oai.Embed
	case cfg.Embeddings.OllamaModel != "":
		embed = chromem.NewEmbeddingFuncOllama(cfg.Embeddings.OllamaModel, strings.TrimRight(cfg.Embeddings.OllamaHost, "/")+"/api")
	}
	if embed != nil {
		index, err := services.NewChunkIndex(filepath.Join(cfg.DataDir, "vectors"), embed, logger)
		if err != nil {
			return svc, closers, err
		}
		svc.Index = index
	}

	var xtts *services.XTTS
	if cfg.XTTS.Host != "" {
		x := services.NewXTTS(cfg.XTTS.Host, logger)
		xtts = &x
		svc.Health["xtts"] = x
	}
	switch {
	case xtts != nil && hasOpenAI:
		svc.TTS = services.NewTTS(xtts, oai)
	case xtts != nil:
		svc.TTS = services.NewTTS(xtts, nil)
	case hasOpenAI:
		svc.TTS = services.NewTTS(nil, oai)
	}

	if cfg.ImageGen.Host != "" {
		img := services.NewImageGen(cfg.ImageGen.Host, logger)
		svc.ImageGen = img
		svc.Health["imagen"] = img
	}

	runner := services.NewRunner(cfg.SubprocessLimit, logger)
	svc.Transcoder = services.NewTranscoder(cfg.FFmpeg, runner)
	if cfg.Whisper.Dir != "" {
		svc.Whisper = services.NewWhisper(cfg.Whisper.Dir, cfg.Whisper.Model, runner)
	}

	svc.RolePlay = roleplay.NewEngine(llm, logger, roleplay.WithRetry(cfg.RolePlay.Attempts, cfg.RolePlay.RetryDelay))
	svc.Story = story.NewGenerator(llm, cfg.Format, logger)
	if p, ok := presets["summarize"]; ok {
		svc.Summarizer = chunks.NewSummarizer(llm, tok, p, cfg.Format)
	}

	return svc, closers, nil
}
