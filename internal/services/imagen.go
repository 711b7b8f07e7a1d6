package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ImageGen is a client for the Stable Diffusion WebUI API.
type ImageGen struct {
	host string

	client *http.Client

	logger *slog.Logger
}

// Txt2ImgRequest holds the txt2img parameters the demos set. Zero values use the server defaults.
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
}

// Txt2ImgResponse carries the generated images as base64 PNGs. Info is the JSON encoded parameters
// actually used, including the seed.
type Txt2ImgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

// Sampler is a sampling method offered by the server.
type Sampler struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// Lora is a LoRA network installed on the server.
type Lora struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Path  string `json:"path"`
}

// SDModel is a checkpoint installed on the server.
type SDModel struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
	Filename  string `json:"filename"`
}

// NewImageGen creates an ImageGen for the server at host, e.g. "http://127.0.0.1:7860".
func NewImageGen(host string, logger *slog.Logger) ImageGen {
	return ImageGen{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{},
		logger: logger.With(slog.String("module", "imagen")),
	}
}

// Txt2Img generates images from a prompt.
func (g ImageGen) Txt2Img(ctx context.Context, req Txt2ImgRequest) (Txt2ImgResponse, error) {
	var res Txt2ImgResponse
	if err := g.doJSON(ctx, http.MethodPost, "/sdapi/v1/txt2img", req, &res); err != nil {
		return Txt2ImgResponse{}, err
	}
	return res, nil
}

// Samplers lists the sampling methods.
func (g ImageGen) Samplers(ctx context.Context) ([]Sampler, error) {
	var res []Sampler
	if err := g.doJSON(ctx, http.MethodGet, "/sdapi/v1/samplers", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Loras lists the installed LoRA networks.
func (g ImageGen) Loras(ctx context.Context) ([]Lora, error) {
	var res []Lora
	if err := g.doJSON(ctx, http.MethodGet, "/sdapi/v1/loras", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Models lists the installed checkpoints.
func (g ImageGen) Models(ctx context.Context) ([]SDModel, error) {
	var res []SDModel
	if err := g.doJSON(ctx, http.MethodGet, "/sdapi/v1/sd-models", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Interrupt stops the generation in progress.
func (g ImageGen) Interrupt(ctx context.Context) error {
	return g.doJSON(ctx, http.MethodPost, "/sdapi/v1/interrupt", nil, nil)
}

// Ping checks that the server answers.
func (g ImageGen) Ping(ctx context.Context) error {
	_, err := g.Samplers(ctx)
	return err
}

func (g ImageGen) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.host+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response from %s: %w", path, err)
	}
	return nil
}
