package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/tmaxmax/go-sse"
)

type renderRequest struct {
	Preset   string            `json:"preset"`
	Vars     map[string]string `json:"vars"`
	Template prompt.Template   `json:"template"`
	Format   string            `json:"format"`
}

type completeRequest struct {
	models.CompletionRequest

	// Parts, when set, are rendered with System and Format into the prompt.
	Parts  []prompt.Part `json:"parts"`
	System []prompt.Part `json:"system"`
	Format string        `json:"format"`
}

type textResponse struct {
	Text string `json:"text"`
}

var errEmptyPrompt = errors.New("prompt, messages or parts are required")

// HandlePromptRender renders a preset or an inline template in the requested format.
func (m Main) HandlePromptRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !m.decode(w, r, &req) {
		return
	}

	tmpl := req.Template
	format := req.Format
	if req.Preset != "" {
		preset, ok := m.svc.Presets[req.Preset]
		if !ok {
			m.logger.Error("Preset not found", slog.String("preset", req.Preset))
			http.Error(w, "Preset not found", http.StatusNotFound)
			return
		}
		var err error
		tmpl, err = preset.Template(req.Vars)
		if err != nil {
			m.fail(w, "Failed to fill preset", err, slog.String("preset", req.Preset))
			return
		}
		if format == "" {
			format = preset.Format
		}
	}
	if format == "" {
		format = m.svc.Format
	}

	rendered, err := tmpl.Render(format)
	if err != nil {
		m.fail(w, "Failed to render prompt", err, slog.String("format", format))
		return
	}
	m.writeJSON(w, rendered)
}

// HandlePresets lists the bundled prompt presets.
func (m Main) HandlePresets(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.svc.Presets.Names())
}

// HandleComplete runs a blocking completion.
func (m Main) HandleComplete(w http.ResponseWriter, r *http.Request) {
	if m.svc.LLM == nil {
		m.unavailable(w, "LLM")
		return
	}

	var req completeRequest
	if !m.decode(w, r, &req) {
		return
	}

	creq := req.CompletionRequest
	if len(req.Parts) > 0 {
		format := req.Format
		if format == "" {
			format = m.svc.Format
		}
		rendered, err := prompt.Template{User: req.Parts, System: req.System}.Render(format)
		if err != nil {
			m.fail(w, "Failed to render prompt", err, slog.String("format", format))
			return
		}
		creq = rendered.Apply(creq, "")
	}
	if creq.Prompt == "" && len(creq.Messages) == 0 {
		http.Error(w, errEmptyPrompt.Error(), http.StatusBadRequest)
		return
	}

	text, err := m.svc.LLM.Complete(r.Context(), creq)
	if err != nil {
		m.fail(w, "Failed to complete", err, slog.String("model", creq.Model))
		return
	}
	m.writeJSON(w, textResponse{Text: text})
}

// HandleStream streams a completion as server-sent events. Every generated piece is a "chunk" event,
// the stream ends with a "done" event or an "error" event carrying the message.
func (m Main) HandleStream(w http.ResponseWriter, r *http.Request) {
	if m.svc.LLM == nil {
		m.unavailable(w, "LLM")
		return
	}

	q := r.URL.Query()
	req := models.DefaultCompletion()
	req.Prompt = q.Get("prompt")
	req.Model = q.Get("model")
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "max must be an integer", http.StatusBadRequest)
			return
		}
		req.MaxTokens = n
	}
	if v := q.Get("temp"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "temp must be a number", http.StatusBadRequest)
			return
		}
		req.Temperature = f
	}
	if stop := q["stop"]; len(stop) > 0 {
		req.Stop = stop
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.fail(w, "Failed to upgrade to SSE", err)
		return
	}

	send := func(typ, data string) bool {
		e := &sse.Message{Type: sse.Type(typ)}
		e.AppendData(data)
		if err := sess.Send(e); err != nil {
			m.logger.Error("Failed to send event", slog.String(errLoggerKey, err.Error()))
			return false
		}
		if err := sess.Flush(); err != nil {
			m.logger.Error("Failed to flush event", slog.String(errLoggerKey, err.Error()))
			return false
		}
		return true
	}

	for chunk, err := range m.svc.LLM.Stream(r.Context(), req) {
		if err != nil {
			m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			send("error", err.Error())
			return
		}
		if !send("chunk", chunk) {
			return
		}
	}
	send("done", "[DONE]")
}

// HandleModelInfo reports the model loaded in the local server.
func (m Main) HandleModelInfo(w http.ResponseWriter, r *http.Request) {
	if m.svc.Models == nil {
		m.unavailable(w, "model manager")
		return
	}
	info, err := m.svc.Models.ModelInfo(r.Context())
	if err != nil {
		m.fail(w, "Failed to get model info", err)
		return
	}
	m.writeJSON(w, info)
}

// HandleModels lists the models of every configured provider.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if m.svc.LLM == nil {
		m.unavailable(w, "LLM")
		return
	}
	names, err := m.svc.LLM.Models(r.Context())
	if err != nil {
		m.fail(w, "Failed to list models", err)
		return
	}
	m.writeJSON(w, names)
}

// HandleLoadModel switches the model of the local server.
func (m Main) HandleLoadModel(w http.ResponseWriter, r *http.Request) {
	if m.svc.Models == nil {
		m.unavailable(w, "model manager")
		return
	}
	var req services.LoadModelRequest
	if !m.decode(w, r, &req) {
		return
	}
	if err := m.svc.Models.LoadModel(r.Context(), req); err != nil {
		m.fail(w, "Failed to load model", err, slog.String("model", req.ModelName))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStopGeneration aborts the running generation of the local server.
func (m Main) HandleStopGeneration(w http.ResponseWriter, r *http.Request) {
	if m.svc.Models == nil {
		m.unavailable(w, "model manager")
		return
	}
	if err := m.svc.Models.StopGeneration(r.Context()); err != nil {
		m.fail(w, "Failed to stop generation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokensRequest struct {
	Text   string `json:"text"`
	Tokens []int  `json:"tokens"`
}

type tokensResponse struct {
	Count  int    `json:"count"`
	Tokens []int  `json:"tokens,omitempty"`
	Text   string `json:"text,omitempty"`
}

// HandleTokenCount counts the tokens of a text.
func (m Main) HandleTokenCount(w http.ResponseWriter, r *http.Request) {
	m.handleTokens(w, r, func(req tokensRequest) (tokensResponse, error) {
		n, err := m.svc.Tokenizer.Count(r.Context(), req.Text)
		return tokensResponse{Count: n}, err
	})
}

// HandleTokenEncode turns a text into token IDs.
func (m Main) HandleTokenEncode(w http.ResponseWriter, r *http.Request) {
	m.handleTokens(w, r, func(req tokensRequest) (tokensResponse, error) {
		tokens, err := m.svc.Tokenizer.Encode(r.Context(), req.Text)
		return tokensResponse{Tokens: tokens, Count: len(tokens)}, err
	})
}

// HandleTokenDecode turns token IDs back into text.
func (m Main) HandleTokenDecode(w http.ResponseWriter, r *http.Request) {
	m.handleTokens(w, r, func(req tokensRequest) (tokensResponse, error) {
		text, err := m.svc.Tokenizer.Decode(r.Context(), req.Tokens)
		return tokensResponse{Text: text, Count: len(req.Tokens)}, err
	})
}

func (m Main) handleTokens(w http.ResponseWriter, r *http.Request, fn func(tokensRequest) (tokensResponse, error)) {
	if m.svc.Tokenizer == nil {
		m.unavailable(w, "tokenizer")
		return
	}
	var req tokensRequest
	if !m.decode(w, r, &req) {
		return
	}
	res, err := fn(req)
	if err != nil {
		m.fail(w, "Failed to process tokens", err, slog.String("path", r.URL.Path))
		return
	}
	m.writeJSON(w, res)
}
