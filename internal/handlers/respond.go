package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/ai-experiments/internal/chunks"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/roleplay"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/MegaGrindStone/ai-experiments/internal/story"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 8 << 20

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, roleplay.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, roleplay.ErrNoMessages),
		errors.Is(err, roleplay.ErrIncomplete),
		errors.Is(err, story.ErrNoJSON):
		return http.StatusBadGateway
	case errors.Is(err, roleplay.ErrMessageNotFound),
		errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrToolNotFound),
		errors.Is(err, story.ErrCharacterNotFound):
		return http.StatusNotFound
	case errors.Is(err, prompt.ErrUnknownFormat),
		errors.Is(err, services.ErrUnsupportedFile),
		errors.Is(err, services.ErrMissingAPIKey),
		errors.Is(err, services.ErrUnknownProvider),
		errors.Is(err, services.ErrUnknownVoice),
		errors.Is(err, story.ErrUnknownField),
		errors.Is(err, chunks.ErrInvalidWindow),
		errors.Is(err, errBadPath),
		errors.Is(err, errBadUpload),
		errors.Is(err, errEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err under msg and answers with the status statusFor picks.
func (m Main) fail(w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String(errLoggerKey, err.Error()))
	m.logger.Error(msg, attrs...)
	http.Error(w, err.Error(), statusFor(err))
}

// unavailable answers 503 for a collaborator that is not configured.
func (m Main) unavailable(w http.ResponseWriter, what string) {
	m.logger.Warn("Collaborator not configured", slog.String("collaborator", what))
	http.Error(w, what+" is not configured", http.StatusServiceUnavailable)
}

// decode reads a JSON body into v and validates it. On failure the response is already written.
func (m Main) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		m.logger.Error("Failed to decode request body",
			slog.String("path", r.URL.Path),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := m.validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Not a struct, nothing to validate.
			return true
		}
		m.logger.Error("Invalid request",
			slog.String("path", r.URL.Path),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
