package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/handlers"
	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/MegaGrindStone/ai-experiments/internal/roleplay"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/MegaGrindStone/ai-experiments/internal/story"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
	requests  []models.CompletionRequest
	err       error
	// errAfter is returned once responses run out.
	errAfter error

	// started is signaled when Complete is entered, block holds Complete until it is closed.
	started chan struct{}
	block   chan struct{}
}

type memStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	chunks   []models.TextChunk
	settings map[string]json.RawMessage
}

type runeTokenizer struct{}

type mockPinger struct {
	err error
}

type mockTranscoder struct {
	dir string
}

type mockTranscriber struct {
	mu    sync.Mutex
	files []string
}

const testPreset = `
name: greet
format: Alpaca
system:
  - str: "Be nice."
user:
  - str: "Say hi to {{.Name}}."
`

func newTestMain(t *testing.T, svc handlers.Services) handlers.Main {
	t.Helper()

	m, err := handlers.NewMain(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func newStore() *memStore {
	return &memStore{
		messages: map[string][]models.Message{},
		settings: map[string]json.RawMessage{},
	}
}

func serve(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	m, err := handlers.NewMain(handlers.Services{DataDir: t.TempDir()}, slog.Default())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if m.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandlePromptRender(t *testing.T) {
	presets, err := prompt.LoadPresets(fstest.MapFS{
		"presets/greet.yaml": {Data: []byte(testPreset)},
	}, "presets/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	h := newTestMain(t, handlers.Services{Presets: presets}).Routes()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Preset with its own format",
			body:       `{"preset":"greet","vars":{"Name":"Ann"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Say hi to Ann.",
		},
		{
			name:       "Inline template",
			body:       `{"template":{"user":[{"str":"hello"}]},"format":"ChatML"}`,
			wantStatus: http.StatusOK,
			wantBody:   "hello",
		},
		{
			name:       "Unknown preset",
			body:       `{"preset":"nope"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown format",
			body:       `{"template":{"user":[{"str":"hello"}]},"format":"Klingon"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Broken body",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, http.MethodPost, "/api/prompt/render", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("HandlePromptRender() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandlePromptRender() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	w := serve(h, http.MethodGet, "/api/prompt/presets", "")
	if strings.TrimSpace(w.Body.String()) != `["greet"]` {
		t.Errorf("HandlePresets() body = %v", w.Body.String())
	}
}

func TestHandleComplete(t *testing.T) {
	tests := []struct {
		name       string
		llm        handlers.LLM
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "No LLM configured",
			body:       `{"prompt":"hi"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Empty prompt",
			llm:        &mockLLM{responses: []string{"x"}},
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Raw prompt",
			llm:        &mockLLM{responses: []string{"hello there"}},
			body:       `{"prompt":"hi","max":10}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"text":"hello there"}`,
		},
		{
			name:       "Prompt parts",
			llm:        &mockLLM{responses: []string{"ok"}},
			body:       `{"parts":[{"str":"hi"}],"format":"Alpaca"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"text":"ok"}`,
		},
		{
			name:       "Missing API key",
			llm:        &mockLLM{err: services.ErrMissingAPIKey},
			body:       `{"prompt":"hi","model":"gpt-4"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Backend failure",
			llm:        &mockLLM{err: errors.New("boom")},
			body:       `{"prompt":"hi"}`,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMain(t, handlers.Services{LLM: tt.llm}).Routes()
			w := serve(h, http.MethodPost, "/api/llm/complete", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleComplete() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if strings.TrimSpace(w.Body.String()) != tt.wantBody && tt.wantBody != "" {
				t.Errorf("HandleComplete() body = %v, want %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleCompleteRendersParts(t *testing.T) {
	llm := &mockLLM{responses: []string{"ok"}}
	h := newTestMain(t, handlers.Services{LLM: llm}).Routes()

	w := serve(h, http.MethodPost, "/api/llm/complete", `{"parts":[{"str":"hi"}],"format":"ChatML","temp":0.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("HandleComplete() status = %v", w.Code)
	}

	want, err := prompt.Format(prompt.FormatChatML, "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	got := llm.requests[0]
	if got.Prompt != want {
		t.Errorf("prompt = %q, want %q", got.Prompt, want)
	}
	if got.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", got.Temperature)
	}
}

func TestHandleStream(t *testing.T) {
	llm := &mockLLM{responses: []string{"Hel", "lo"}}
	h := newTestMain(t, handlers.Services{LLM: llm}).Routes()

	w := serve(h, http.MethodGet, "/api/llm/stream?prompt=hi&max=5&stop=A&stop=B", "")
	body := w.Body.String()

	for _, want := range []string{"event: chunk\ndata: Hel\n", "event: chunk\ndata: lo\n", "event: done\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("HandleStream() body = %q, want to contain %q", body, want)
		}
	}
	if got := llm.requests[0]; got.MaxTokens != 5 || !slices.Equal(got.Stop, []string{"A", "B"}) {
		t.Errorf("request = %+v", got)
	}

	w = serve(h, http.MethodGet, "/api/llm/stream", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleStream() without prompt status = %v", w.Code)
	}
}

func TestHandleTokens(t *testing.T) {
	h := newTestMain(t, handlers.Services{Tokenizer: runeTokenizer{}}).Routes()

	tests := []struct {
		url      string
		body     string
		wantBody string
	}{
		{url: "/api/tokens/count", body: `{"text":"abc"}`, wantBody: `{"count":3}`},
		{url: "/api/tokens/encode", body: `{"text":"ab"}`, wantBody: `{"count":2,"tokens":[97,98]}`},
		{url: "/api/tokens/decode", body: `{"tokens":[104,105]}`, wantBody: `{"count":2,"text":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			w := serve(h, http.MethodPost, tt.url, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %v", w.Code)
			}
			if strings.TrimSpace(w.Body.String()) != tt.wantBody {
				t.Errorf("body = %v, want %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleRoleplay(t *testing.T) {
	llm := &mockLLM{responses: []string{"BOB: Hi Ann.\nACTION: Bob waves."}}
	store := newStore()
	engine := roleplay.NewEngine(llm, slog.Default(), roleplay.WithRetry(1, 0))
	h := newTestMain(t, handlers.Services{Store: store, RolePlay: engine}).Routes()

	w := serve(h, http.MethodPost, "/api/roleplay/chats", `{"title":"Tavern","description":"A quiet tavern.","characters":["ANN"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("new chat status = %v, body = %v", w.Code, w.Body.String())
	}
	var chat models.Chat
	if err := json.Unmarshal(w.Body.Bytes(), &chat); err != nil {
		t.Fatal(err)
	}

	w = serve(h, http.MethodPost, "/api/roleplay/chats/"+chat.ID+"/send", `{"input":"Hello.","character":"ANN"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %v, body = %v", w.Code, w.Body.String())
	}

	msgs := store.messages[chat.ID]
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != "ANN" || msgs[1].Role != "BOB" || msgs[2].Role != models.RoleAction {
		t.Errorf("roles = %q, %q, %q", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if !strings.Contains(llm.requests[0].Prompt, "A quiet tavern.") {
		t.Errorf("prompt %q misses the description", llm.requests[0].Prompt)
	}

	w = serve(h, http.MethodPost, "/api/roleplay/chats/"+chat.ID+"/messages/"+msgs[1].ID+"/regenerate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("regenerate status = %v, body = %v", w.Code, w.Body.String())
	}
	if got := store.messages[chat.ID]; len(got) != 3 || got[1].ID == msgs[1].ID {
		t.Errorf("regenerate did not replace the message: %+v", got)
	}

	w = serve(h, http.MethodPost, "/api/roleplay/chats/"+chat.ID+"/messages/missing/regenerate", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("regenerate unknown message status = %v", w.Code)
	}

	w = serve(h, http.MethodGet, "/api/roleplay/chats/"+chat.ID+"/export", "")
	if !strings.Contains(w.Body.String(), "# Tavern") || !strings.Contains(w.Body.String(), "**ANN:** Hello.") {
		t.Errorf("export body = %v", w.Body.String())
	}

	w = serve(h, http.MethodGet, "/api/roleplay/chats/"+chat.ID+"/export?format=html", "")
	if !strings.Contains(w.Body.String(), "<strong>ANN:</strong>") {
		t.Errorf("html export body = %v", w.Body.String())
	}

	w = serve(h, http.MethodPost, "/api/roleplay/chats/unknown/send", `{"input":"Hello."}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("send to unknown chat status = %v", w.Code)
	}
}

func TestHandleRoleplaySendKeepsUserLine(t *testing.T) {
	llm := &mockLLM{responses: []string{""}}
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Empty"}}
	engine := roleplay.NewEngine(llm, slog.Default(), roleplay.WithRetry(2, 0))
	h := newTestMain(t, handlers.Services{Store: store, RolePlay: engine}).Routes()

	w := serve(h, http.MethodPost, "/api/roleplay/chats/1/send", `{"input":"Anyone here?","character":"ANN"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("send status = %v, want %v", w.Code, http.StatusBadGateway)
	}
	if got := store.messages["1"]; len(got) != 1 || got[0].Content != "Anyone here?" {
		t.Errorf("stored messages = %+v", got)
	}

	w = serve(h, http.MethodPost, "/api/roleplay/chats/1/add", `{"input":"Hello?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %v", w.Code)
	}
	if got := store.messages["1"]; len(got) != 2 || got[1].Role != models.RoleAction {
		t.Errorf("stored messages = %+v", got)
	}
}

func TestHandleRoleplayAddDuringSend(t *testing.T) {
	llm := &mockLLM{
		responses: []string{"BOB: Welcome."},
		started:   make(chan struct{}, 1),
		block:     make(chan struct{}),
	}
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Tavern"}}
	engine := roleplay.NewEngine(llm, slog.Default(), roleplay.WithRetry(1, 0))
	h := newTestMain(t, handlers.Services{Store: store, RolePlay: engine}).Routes()

	sendDone := make(chan *httptest.ResponseRecorder)
	go func() {
		sendDone <- serve(h, http.MethodPost, "/api/roleplay/chats/1/send", `{"input":"Hello.","character":"ANN"}`)
	}()
	<-llm.started

	addDone := make(chan *httptest.ResponseRecorder)
	go func() {
		addDone <- serve(h, http.MethodPost, "/api/roleplay/chats/1/add", `{"input":"Ann sits down."}`)
	}()
	select {
	case w := <-addDone:
		t.Fatalf("add finished during send with status %v", w.Code)
	case <-time.After(50 * time.Millisecond):
	}

	w := serve(h, http.MethodPost, "/api/roleplay/chats/1/continue", `{}`)
	if w.Code != http.StatusConflict {
		t.Errorf("continue during send status = %v, want %v", w.Code, http.StatusConflict)
	}

	close(llm.block)
	if w := <-sendDone; w.Code != http.StatusOK {
		t.Fatalf("send status = %v, body = %v", w.Code, w.Body.String())
	}
	if w := <-addDone; w.Code != http.StatusOK {
		t.Fatalf("add status = %v, body = %v", w.Code, w.Body.String())
	}

	var contents []string
	for _, msg := range store.messages["1"] {
		contents = append(contents, msg.Content)
	}
	want := []string{"Hello.", "Welcome.", "Ann sits down."}
	if !slices.Equal(contents, want) {
		t.Errorf("stored contents = %q, want %q", contents, want)
	}
}

func TestHandleRoleplayContinueKeepsPartial(t *testing.T) {
	llm := &mockLLM{responses: []string{"BOB: One."}, errAfter: errors.New("connection reset")}
	store := newStore()
	store.chats = []models.Chat{{ID: "1", Title: "Tavern"}}
	store.messages["1"] = []models.Message{{ID: "m1", Role: "ANN", Content: "Hello."}}
	engine := roleplay.NewEngine(llm, slog.Default(), roleplay.WithRetry(3, 0))
	h := newTestMain(t, handlers.Services{Store: store, RolePlay: engine}).Routes()

	w := serve(h, http.MethodPost, "/api/roleplay/chats/1/continue", `{"count":2}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("continue status = %v, want %v", w.Code, http.StatusBadGateway)
	}
	got := store.messages["1"]
	if len(got) != 2 || got[1].Content != "One." {
		t.Errorf("stored messages = %+v", got)
	}
}

func TestHandleConvertThenWhisper(t *testing.T) {
	dir := t.TempDir()
	whisper := &mockTranscriber{}
	h := newTestMain(t, handlers.Services{
		DataDir:    dir,
		Transcoder: mockTranscoder{dir: dir},
		Whisper:    whisper,
	}).Routes()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "voice.webm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("audio")); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("saveAsFile", "true"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/convert-to-wav", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("convert status = %v, body = %v", w.Code, w.Body.String())
	}
	var saved struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(saved.File) != ".wav" {
		t.Fatalf("saved file = %q, want a .wav name", saved.File)
	}

	w = serve(h, http.MethodPost, "/api/whisper-cpp", `{"filename":"`+saved.File+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("whisper status = %v, body = %v", w.Code, w.Body.String())
	}
	var segments []services.Segment
	if err := json.Unmarshal(w.Body.Bytes(), &segments); err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 || segments[0].Speech != "hello" {
		t.Errorf("segments = %+v", segments)
	}
	if want := filepath.Join(dir, saved.File); len(whisper.files) != 1 || whisper.files[0] != want {
		t.Errorf("transcribed files = %q, want %q", whisper.files, want)
	}
}

func TestHandleStoryGenerate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCalls  int
	}{
		{name: "Two characters", body: `{"field":"characters","count":2}`, wantStatus: http.StatusOK, wantCalls: 2},
		{name: "Too many characters", body: `{"field":"characters","count":50}`, wantStatus: http.StatusBadRequest},
		{name: "Negative count", body: `{"field":"characters","count":-1}`, wantStatus: http.StatusBadRequest},
		{name: "No field", body: `{"count":1}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{responses: []string{`{"name":"Cy"}`}}
			gen := story.NewGenerator(llm, prompt.FormatFlexible, slog.New(slog.NewTextHandler(io.Discard, nil)))
			h := newTestMain(t, handlers.Services{Story: gen}).Routes()

			w := serve(h, http.MethodPost, "/api/story/generate", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("HandleStoryGenerate() status = %v, want %v, body = %v", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(llm.requests) != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", len(llm.requests), tt.wantCalls)
			}
		})
	}
}

func TestHandleChunks(t *testing.T) {
	store := newStore()
	h := newTestMain(t, handlers.Services{Store: store, Tokenizer: runeTokenizer{}}).Routes()

	w := serve(h, http.MethodPost, "/api/chunks", `{"title":"Doc","content":"aaaa\nbbbb\ncccc\n"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %v, body = %v", w.Code, w.Body.String())
	}
	var chunk models.TextChunk
	if err := json.Unmarshal(w.Body.Bytes(), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.ID == "" || chunk.Metadata.TokenCount != 15 {
		t.Errorf("saved chunk = %+v", chunk)
	}

	w = serve(h, http.MethodPost, "/api/chunks/"+chunk.ID+"/split", `{"maxTokens":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("split status = %v, body = %v", w.Code, w.Body.String())
	}
	if got := store.chunks[0].Parts; len(got) != 3 || got[2].Content != "cccc" {
		t.Errorf("parts = %+v", got)
	}

	w = serve(h, http.MethodPost, "/api/chunks/"+chunk.ID+"/split", `{"maxTokens":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("split with zero window status = %v", w.Code)
	}

	w = serve(h, http.MethodPost, "/api/chunks", `{"title":"Empty"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("save without content status = %v", w.Code)
	}

	w = serve(h, http.MethodGet, "/api/chunks/search?q=aaaa", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("search without index status = %v", w.Code)
	}

	w = serve(h, http.MethodDelete, "/api/chunks/"+chunk.ID, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %v", w.Code)
	}
	w = serve(h, http.MethodDelete, "/api/chunks/"+chunk.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %v", w.Code)
	}
}

func TestHandleSettings(t *testing.T) {
	h := newTestMain(t, handlers.Services{Store: newStore()}).Routes()

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "Missing", method: http.MethodGet, wantStatus: http.StatusNotFound},
		{name: "Invalid JSON", method: http.MethodPut, body: `{"a":`, wantStatus: http.StatusBadRequest},
		{name: "Put", method: http.MethodPut, body: `{"theme":"dark"}`, wantStatus: http.StatusNoContent},
		{name: "Get", method: http.MethodGet, wantStatus: http.StatusOK, wantBody: `{"theme":"dark"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.method, "/api/settings/ui", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %v, want %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleTTSPlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "line.wav"), []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newTestMain(t, handlers.Services{DataDir: dir}).Routes()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "Escaping path", body: `{"filepath":"../secret.wav"}`, wantStatus: http.StatusBadRequest},
		{name: "Absolute path", body: `{"filepath":"/etc/passwd"}`, wantStatus: http.StatusBadRequest},
		{name: "Missing file", body: `{"filepath":"nope.wav"}`, wantStatus: http.StatusNotFound},
		{name: "No path", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "By filename", body: `{"filename":"line.wav"}`, wantStatus: http.StatusOK},
		{name: "By filepath", body: `{"filepath":"line.wav"}`, wantStatus: http.StatusOK},
		{name: "Escaping filename", body: `{"filename":"../line.wav"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, http.MethodPost, "/api/tts/play", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("HandleTTSPlay() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	h := newTestMain(t, handlers.Services{
		Health: map[string]handlers.Pinger{
			"ollama": mockPinger{},
			"xtts":   mockPinger{err: errors.New("connection refused")},
		},
	}).Routes()

	w := serve(h, http.MethodGet, "/api/status", "")
	var got map[string]struct {
		Online bool
		Error  string
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got["ollama"].Online {
		t.Error("ollama should be online")
	}
	if got["xtts"].Online || got["xtts"].Error != "connection refused" {
		t.Errorf("xtts status = %+v", got["xtts"])
	}
}

func TestHandleAPIKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GOOGLE_API_KEY", "")
	h := newTestMain(t, handlers.Services{}).Routes()

	w := serve(h, http.MethodGet, "/api/api-keys", "")
	if !strings.Contains(w.Body.String(), `"OPENAI_API_KEY":"sk-test"`) {
		t.Errorf("HandleAPIKeys() body = %v", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "GOOGLE_API_KEY") {
		t.Errorf("HandleAPIKeys() should leave out unset keys, body = %v", w.Body.String())
	}
}

func TestHandleUnconfigured(t *testing.T) {
	h := newTestMain(t, handlers.Services{}).Routes()

	for _, route := range []struct{ method, url string }{
		{http.MethodGet, "/api/imagen/samplers"},
		{http.MethodGet, "/api/tts/speakers"},
		{http.MethodPost, "/api/whisper-cpp"},
		{http.MethodPost, "/api/story/generate"},
		{http.MethodPost, "/api/tools/search"},
		{http.MethodGet, "/api/roleplay/chats"},
	} {
		w := serve(h, route.method, route.url, `{}`)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %v, want %v", route.method, route.url, w.Code, http.StatusServiceUnavailable)
		}
	}
}

func (m *mockLLM) next(req models.CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if m.errAfter != nil && m.calls >= len(m.responses) {
		return "", m.errAfter
	}
	res := m.responses[min(m.calls, len(m.responses)-1)]
	m.calls++
	return res, nil
}

func (m *mockLLM) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.next(req)
}

func (m *mockLLM) Stream(_ context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.Lock()
		m.requests = append(m.requests, req)
		m.mu.Unlock()

		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m *mockLLM) Models(context.Context) ([]string, error) {
	return []string{"local"}, m.err
}

func (s *memStore) Chats(context.Context) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chats), nil
}

func (s *memStore) Chat(_ context.Context, id string) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == id })
	if idx == -1 {
		return models.Chat{}, fmt.Errorf("chat %s: %w", id, services.ErrNotFound)
	}
	return s.chats[idx], nil
}

func (s *memStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, chat)
	return chat.ID, nil
}

func (s *memStore) UpdateChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return services.ErrNotFound
	}
	s.chats[idx] = chat
	return nil
}

func (s *memStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = slices.DeleteFunc(s.chats, func(c models.Chat) bool { return c.ID == id })
	delete(s.messages, id)
	return nil
}

func (s *memStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[chatID]), nil
}

func (s *memStore) AddMessage(_ context.Context, chatID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append(s.messages[chatID], msg)
	return nil
}

func (s *memStore) SetMessages(_ context.Context, chatID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = slices.Clone(msgs)
	return nil
}

func (s *memStore) Chunks(context.Context) ([]models.TextChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks), nil
}

func (s *memStore) Chunk(_ context.Context, id string) (models.TextChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chunks, func(c models.TextChunk) bool { return c.ID == id })
	if idx == -1 {
		return models.TextChunk{}, services.ErrNotFound
	}
	return s.chunks[idx], nil
}

func (s *memStore) SaveChunk(_ context.Context, chunk models.TextChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chunks, func(c models.TextChunk) bool { return c.ID == chunk.ID })
	if idx == -1 {
		s.chunks = append(s.chunks, chunk)
		return nil
	}
	s.chunks[idx] = chunk
	return nil
}

func (s *memStore) DeleteChunk(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.chunks, func(c models.TextChunk) bool { return c.ID == id })
	if idx == -1 {
		return services.ErrNotFound
	}
	s.chunks = slices.Delete(s.chunks, idx, idx+1)
	return nil
}

func (s *memStore) Setting(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key], nil
}

func (s *memStore) PutSetting(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (runeTokenizer) Count(_ context.Context, text string) (int, error) {
	return len([]rune(text)), nil
}

func (runeTokenizer) Encode(_ context.Context, text string) ([]int, error) {
	var tokens []int
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens, nil
}

func (runeTokenizer) Decode(_ context.Context, tokens []int) (string, error) {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteRune(rune(t))
	}
	return sb.String(), nil
}

func (p mockPinger) Ping(context.Context) error {
	return p.err
}

func (c mockTranscoder) ToWav(_ context.Context, in string) (string, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return "", err
	}
	out := filepath.Join(c.dir, filepath.Base(in)+".wav")
	return out, os.WriteFile(out, data, 0o600)
}

func (t *mockTranscriber) Transcribe(_ context.Context, file string) ([]services.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, file)
	if _, err := os.Stat(file); err != nil {
		return nil, err
	}
	return []services.Segment{{Start: "00:00:00.000", End: "00:00:01.000", Speech: "hello"}}, nil
}
