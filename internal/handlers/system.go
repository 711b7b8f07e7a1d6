package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"golang.org/x/sync/errgroup"
)

// apiKeyNames are the environment variables the demos can use from the browser.
var apiKeyNames = []string{"OPENAI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_CSE_ID"}

const pingTimeout = 5 * time.Second

type serviceStatus struct {
	Online bool   `json:"online"`
	Error  string `json:"error,omitempty"`
}

// HandleTxt2Img generates images from a prompt.
func (m Main) HandleTxt2Img(w http.ResponseWriter, r *http.Request) {
	if m.svc.ImageGen == nil {
		m.unavailable(w, "image generation")
		return
	}
	var req services.Txt2ImgRequest
	if !m.decode(w, r, &req) {
		return
	}
	res, err := m.svc.ImageGen.Txt2Img(r.Context(), req)
	if err != nil {
		m.fail(w, "Failed to generate image", err)
		return
	}
	m.writeJSON(w, res)
}

// HandleSamplers lists the samplers of the image server.
func (m Main) HandleSamplers(w http.ResponseWriter, r *http.Request) {
	if m.svc.ImageGen == nil {
		m.unavailable(w, "image generation")
		return
	}
	res, err := m.svc.ImageGen.Samplers(r.Context())
	if err != nil {
		m.fail(w, "Failed to list samplers", err)
		return
	}
	m.writeJSON(w, res)
}

// HandleLoras lists the LoRAs of the image server.
func (m Main) HandleLoras(w http.ResponseWriter, r *http.Request) {
	if m.svc.ImageGen == nil {
		m.unavailable(w, "image generation")
		return
	}
	res, err := m.svc.ImageGen.Loras(r.Context())
	if err != nil {
		m.fail(w, "Failed to list loras", err)
		return
	}
	m.writeJSON(w, res)
}

// HandleImageModels lists the checkpoints of the image server.
func (m Main) HandleImageModels(w http.ResponseWriter, r *http.Request) {
	if m.svc.ImageGen == nil {
		m.unavailable(w, "image generation")
		return
	}
	res, err := m.svc.ImageGen.Models(r.Context())
	if err != nil {
		m.fail(w, "Failed to list image models", err)
		return
	}
	m.writeJSON(w, res)
}

// HandleImageInterrupt stops the running image generation.
func (m Main) HandleImageInterrupt(w http.ResponseWriter, r *http.Request) {
	if m.svc.ImageGen == nil {
		m.unavailable(w, "image generation")
		return
	}
	if err := m.svc.ImageGen.Interrupt(r.Context()); err != nil {
		m.fail(w, "Failed to interrupt image generation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAPIKeys returns the API keys present in the server environment. Unset keys are left out.
func (m Main) HandleAPIKeys(w http.ResponseWriter, _ *http.Request) {
	keys := make(map[string]string, len(apiKeyNames))
	for _, name := range apiKeyNames {
		if v := os.Getenv(name); v != "" {
			keys[name] = v
		}
	}
	m.writeJSON(w, keys)
}

// HandleStatus pings every configured collaborator concurrently and reports which are reachable.
func (m Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		status = make(map[string]serviceStatus, len(m.svc.Health))
		g      errgroup.Group
	)
	for name, p := range m.svc.Health {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()

			s := serviceStatus{Online: true}
			if err := p.Ping(ctx); err != nil {
				m.logger.Warn("Service unreachable", slog.String("service", name), slog.String(errLoggerKey, err.Error()))
				s = serviceStatus{Error: err.Error()}
			}

			mu.Lock()
			status[name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.writeJSON(w, status)
}
