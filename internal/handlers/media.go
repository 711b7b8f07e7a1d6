package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/google/uuid"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 256 << 20

var (
	errBadPath   = errors.New("path must be a relative file name inside the data directory")
	errBadUpload = errors.New("a multipart \"file\" field is required")
)

type ttsRequest struct {
	Provider string `json:"provider"`
	Text     string `json:"text" validate:"required"`
	Voice    string `json:"voice" validate:"required"`
	// SaveAsFile stores the audio in the data directory and answers with its name instead of the audio.
	SaveAsFile bool `json:"saveAsFile"`
	// ServerFile asks the XTTS server to write the audio to this file on its own disk.
	ServerFile string `json:"serverFile"`
}

type fileResponse struct {
	File string `json:"file"`
}

// pathRequest names a file in the data directory. The web client sends filename, filepath is accepted
// as well.
type pathRequest struct {
	Filename string `json:"filename" validate:"required_without=Filepath"`
	Filepath string `json:"filepath"`
}

func (p pathRequest) file() string {
	if p.Filename != "" {
		return p.Filename
	}
	return p.Filepath
}

// HandleTTSGenerate synthesizes speech. The audio is returned as the response body unless the request
// asks for it to be saved.
func (m Main) HandleTTSGenerate(w http.ResponseWriter, r *http.Request) {
	if m.svc.TTS == nil {
		m.unavailable(w, "text to speech")
		return
	}
	var req ttsRequest
	if !m.decode(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = services.ProviderXTTS
	}

	if req.ServerFile != "" {
		res, err := m.svc.TTS.SpeechToFile(r.Context(), req.Text, req.Voice, req.ServerFile)
		if err != nil {
			m.fail(w, "Failed to generate speech file", err, slog.String("file", req.ServerFile))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res)
		return
	}

	audio, err := m.svc.TTS.Speech(r.Context(), req.Provider, req.Text, req.Voice)
	if err != nil {
		m.fail(w, "Failed to generate speech", err,
			slog.String("provider", req.Provider),
			slog.String("voice", req.Voice))
		return
	}
	defer audio.Body.Close()

	if !req.SaveAsFile {
		w.Header().Set("Content-Type", audio.ContentType)
		if _, err := io.Copy(w, audio.Body); err != nil {
			m.logger.Error("Failed to write audio", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	name := uuid.New().String() + audioExtension(audio.ContentType)
	if err := m.saveFile(name, audio.Body); err != nil {
		m.fail(w, "Failed to save audio", err, slog.String("file", name))
		return
	}
	m.writeJSON(w, fileResponse{File: name})
}

func audioExtension(contentType string) string {
	if contentType == "audio/mpeg" {
		return ".mp3"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".wav"
}

// HandleTTSSpeakers lists the voices of a provider.
func (m Main) HandleTTSSpeakers(w http.ResponseWriter, r *http.Request) {
	if m.svc.TTS == nil {
		m.unavailable(w, "text to speech")
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = services.ProviderXTTS
	}
	speakers, err := m.svc.TTS.Speakers(r.Context(), provider)
	if err != nil {
		m.fail(w, "Failed to list speakers", err, slog.String("provider", provider))
		return
	}
	m.writeJSON(w, speakers)
}

// HandleTTSPlay serves a previously saved audio file.
func (m Main) HandleTTSPlay(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !m.decode(w, r, &req) {
		return
	}
	name := req.file()
	path, err := m.dataPath(name)
	if err != nil {
		m.fail(w, "Rejected audio path", err, slog.String("file", name))
		return
	}
	if _, err := os.Stat(path); err != nil {
		m.logger.Error("Audio file not found", slog.String("file", name))
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, path)
}

// HandleConvertToWav converts the uploaded "file" to 16kHz mono WAV and answers with the result. The
// upload is not kept. With the form field saveAsFile=true the WAV file stays in the data directory and
// the answer is its name, ready for /api/whisper-cpp; otherwise it is removed once served.
func (m Main) HandleConvertToWav(w http.ResponseWriter, r *http.Request) {
	if m.svc.Transcoder == nil {
		m.unavailable(w, "ffmpeg")
		return
	}
	in, err := m.saveUpload(w, r)
	if err != nil {
		m.fail(w, "Failed to store upload", err)
		return
	}
	defer m.remove(in)

	out, err := m.svc.Transcoder.ToWav(r.Context(), in)
	if err != nil {
		m.logger.Error("Failed to convert to wav", slog.String("file", in), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Conversion failed", http.StatusInternalServerError)
		return
	}
	if keep, _ := strconv.ParseBool(r.FormValue("saveAsFile")); keep {
		m.writeJSON(w, fileResponse{File: filepath.Base(out)})
		return
	}
	defer m.remove(out)

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, out)
}

// HandleConvertToText extracts the text of the uploaded "file".
func (m Main) HandleConvertToText(w http.ResponseWriter, r *http.Request) {
	if m.svc.Extractor == nil {
		m.unavailable(w, "text extraction")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		m.logger.Error("Missing file", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	res, err := m.svc.Extractor.Extract(header.Filename, f)
	if err != nil {
		m.fail(w, "Failed to extract text", err, slog.String("file", header.Filename))
		return
	}
	m.writeJSON(w, res)
}

// HandleWhisper transcribes a WAV file stored in the data directory.
func (m Main) HandleWhisper(w http.ResponseWriter, r *http.Request) {
	if m.svc.Whisper == nil {
		m.unavailable(w, "whisper.cpp")
		return
	}
	var req pathRequest
	if !m.decode(w, r, &req) {
		return
	}
	name := req.file()
	path, err := m.dataPath(name)
	if err != nil {
		m.fail(w, "Rejected transcription path", err, slog.String("file", name))
		return
	}

	segments, err := m.svc.Whisper.Transcribe(r.Context(), path)
	if err != nil {
		m.logger.Error("Failed to transcribe", slog.String("file", path), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Transcription failed", http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, segments)
}

// dataPath resolves name inside the data directory. Absolute names and names escaping the directory are
// rejected.
func (m Main) dataPath(name string) (string, error) {
	if m.svc.DataDir == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%s: %w", name, errBadPath)
	}
	return filepath.Join(m.svc.DataDir, name), nil
}

func (m Main) saveFile(name string, r io.Reader) error {
	path, err := m.dataPath(name)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	return f.Close()
}

// saveUpload stores the multipart "file" field under a random name and returns its path.
func (m Main) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	f, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadUpload, err)
	}
	defer f.Close()

	name := uuid.New().String() + filepath.Ext(header.Filename)
	if err := m.saveFile(name, f); err != nil {
		return "", err
	}
	return filepath.Join(m.svc.DataDir, name), nil
}

func (m Main) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Failed to remove temporary file", slog.String("file", path), slog.String(errLoggerKey, err.Error()))
	}
}
