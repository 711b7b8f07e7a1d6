package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/chunks"
	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/story"
	"github.com/google/uuid"
)

const defaultSearchResults = 5

type splitRequest struct {
	MaxTokens int `json:"maxTokens" validate:"gt=0"`
	Overlap   int `json:"overlap" validate:"gte=0"`
}

type summarizeRequest struct {
	// Parts summarizes every part of the chunk instead of the chunk itself.
	Parts    bool `json:"parts"`
	Parallel int  `json:"parallel" validate:"gte=0,lte=16"`
}

// HandleChunks lists the stored chunks.
func (m Main) HandleChunks(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	res, err := m.svc.Store.Chunks(r.Context())
	if err != nil {
		m.fail(w, "Failed to get chunks", err)
		return
	}
	if res == nil {
		res = []models.TextChunk{}
	}
	m.writeJSON(w, res)
}

// HandleSaveChunk stores a new chunk, or replaces the chunk with the same ID.
func (m Main) HandleSaveChunk(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	var chunk models.TextChunk
	if !m.decode(w, r, &chunk) {
		return
	}
	if strings.TrimSpace(chunk.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	if m.svc.Tokenizer != nil {
		n, err := m.svc.Tokenizer.Count(r.Context(), chunk.Content)
		if err != nil {
			m.fail(w, "Failed to count tokens", err, slog.String("chunkID", chunk.ID))
			return
		}
		chunk.Metadata.TokenCount = n
	}

	m.storeChunk(w, r, chunk)
}

// HandleDeleteChunk removes a chunk.
func (m Main) HandleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	id := r.PathValue("id")
	if err := m.svc.Store.DeleteChunk(r.Context(), id); err != nil {
		m.fail(w, "Failed to delete chunk", err, slog.String("chunkID", id))
		return
	}
	if m.svc.Index != nil {
		if err := m.svc.Index.Remove(r.Context(), id); err != nil {
			m.logger.Warn("Failed to remove chunk from index", slog.String("chunkID", id), slog.String(errLoggerKey, err.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSplitChunk splits a chunk into parts of at most maxTokens tokens.
func (m Main) HandleSplitChunk(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil || m.svc.Tokenizer == nil {
		m.unavailable(w, "chunk splitting")
		return
	}
	var req splitRequest
	if !m.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	chunk, err := m.svc.Store.Chunk(r.Context(), id)
	if err != nil {
		m.fail(w, "Failed to get chunk", err, slog.String("chunkID", id))
		return
	}

	parts, err := chunks.Split(r.Context(), m.svc.Tokenizer, chunk, req.MaxTokens, req.Overlap)
	if err != nil {
		m.fail(w, "Failed to split chunk", err, slog.String("chunkID", id))
		return
	}
	chunk.Parts = parts

	m.storeChunk(w, r, chunk)
}

// HandleSummarizeChunk summarizes a chunk, or each of its parts.
func (m Main) HandleSummarizeChunk(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil || m.svc.Summarizer == nil {
		m.unavailable(w, "summarizer")
		return
	}
	var req summarizeRequest
	if !m.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	chunk, err := m.svc.Store.Chunk(r.Context(), id)
	if err != nil {
		m.fail(w, "Failed to get chunk", err, slog.String("chunkID", id))
		return
	}

	if req.Parts {
		chunk, err = m.svc.Summarizer.SummarizeParts(r.Context(), chunk, max(req.Parallel, 1))
	} else {
		chunk, err = m.svc.Summarizer.Summarize(r.Context(), chunk)
	}
	if err != nil {
		m.fail(w, "Failed to summarize chunk", err, slog.String("chunkID", id))
		return
	}

	m.storeChunk(w, r, chunk)
}

// HandleSearchChunks returns the chunks most similar to the q query parameter.
func (m Main) HandleSearchChunks(w http.ResponseWriter, r *http.Request) {
	if m.svc.Index == nil {
		m.unavailable(w, "chunk index")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	n := defaultSearchResults
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	res, err := m.svc.Index.Search(r.Context(), q, n)
	if err != nil {
		m.fail(w, "Failed to search chunks", err, slog.String("query", q))
		return
	}
	m.writeJSON(w, res)
}

// storeChunk saves chunk, refreshes its index entry and answers with it.
func (m Main) storeChunk(w http.ResponseWriter, r *http.Request, chunk models.TextChunk) {
	if err := m.svc.Store.SaveChunk(r.Context(), chunk); err != nil {
		m.fail(w, "Failed to save chunk", err, slog.String("chunkID", chunk.ID))
		return
	}
	if m.svc.Index != nil {
		if err := m.svc.Index.Index(r.Context(), chunk); err != nil {
			m.logger.Warn("Failed to index chunk", slog.String("chunkID", chunk.ID), slog.String(errLoggerKey, err.Error()))
		}
	}
	m.writeJSON(w, chunk)
}

// HandleGetSetting returns the blob stored under key.
func (m Main) HandleGetSetting(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	key := r.PathValue("key")
	raw, err := m.svc.Store.Setting(r.Context(), key)
	if err != nil {
		m.fail(w, "Failed to get setting", err, slog.String("key", key))
		return
	}
	if raw == nil {
		http.Error(w, "Setting not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// HandlePutSetting stores the JSON body under key.
func (m Main) HandlePutSetting(w http.ResponseWriter, r *http.Request) {
	if m.svc.Store == nil {
		m.unavailable(w, "store")
		return
	}
	key := r.PathValue("key")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		m.logger.Error("Failed to read setting", slog.String("key", key), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(raw) {
		http.Error(w, "Setting must be valid JSON", http.StatusBadRequest)
		return
	}
	if err := m.svc.Store.PutSetting(r.Context(), key, raw); err != nil {
		m.fail(w, "Failed to save setting", err, slog.String("key", key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStoryGenerate fills one field of the posted story state.
func (m Main) HandleStoryGenerate(w http.ResponseWriter, r *http.Request) {
	if m.svc.Story == nil {
		m.unavailable(w, "story generator")
		return
	}
	var req story.Request
	if !m.decode(w, r, &req) {
		return
	}
	state, err := m.svc.Story.Generate(r.Context(), req)
	if err != nil {
		m.fail(w, "Failed to generate story field", err, slog.String("field", req.Field))
		return
	}
	m.writeJSON(w, state)
}

// HandleTools lists the callable tool names.
func (m Main) HandleTools(w http.ResponseWriter, _ *http.Request) {
	if m.svc.Tools == nil {
		m.writeJSON(w, []string{})
		return
	}
	m.writeJSON(w, m.svc.Tools.Names())
}

// HandleCallTool calls the named tool with the JSON body as its arguments.
func (m Main) HandleCallTool(w http.ResponseWriter, r *http.Request) {
	if m.svc.Tools == nil {
		m.unavailable(w, "tools")
		return
	}
	name := r.PathValue("name")
	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		m.logger.Error("Failed to read tool arguments", slog.String("tool", name), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(args) > 0 && !json.Valid(args) {
		http.Error(w, "Arguments must be valid JSON", http.StatusBadRequest)
		return
	}

	res, err := m.svc.Tools.Call(r.Context(), name, args)
	if err != nil {
		m.fail(w, "Tool call failed", err, slog.String("tool", name))
		return
	}
	if res.IsError {
		m.logger.Warn("Tool reported an error", slog.String("tool", name), slog.String("result", res.Text))
	}
	m.writeJSON(w, res)
}

