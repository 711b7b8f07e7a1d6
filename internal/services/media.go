package services

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Transcoder converts audio files with ffmpeg.
type Transcoder struct {
	bin    string
	runner Runner
}

// NewTranscoder creates a Transcoder running the ffmpeg binary at bin.
func NewTranscoder(bin string, runner Runner) Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return Transcoder{bin: bin, runner: runner}
}

// ToWav converts in to 16kHz mono WAV, the input whisper.cpp expects, written next to it as in+".wav".
// An existing output file is overwritten.
func (t Transcoder) ToWav(ctx context.Context, in string) (string, error) {
	out := in + ".wav"
	if _, err := t.runner.Run(ctx, t.bin, "-i", in, "-f", "wav", "-ar", "16000", "-ac", "1", out, "-y"); err != nil {
		return "", fmt.Errorf("error converting %s: %w", filepath.Base(in), err)
	}
	return out, nil
}

// Segment is one timed piece of a transcript.
type Segment struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Speech string `json:"speech"`
}

// Whisper transcribes audio with a local whisper.cpp build.
type Whisper struct {
	dir    string
	model  string
	runner Runner
}

// NewWhisper creates a Whisper using the whisper.cpp checkout at dir. An empty model uses the base
// English model shipped in dir/models.
func NewWhisper(dir, model string, runner Runner) Whisper {
	if model == "" {
		model = filepath.Join(dir, "models", "ggml-base.bin")
	}
	return Whisper{dir: dir, model: model, runner: runner}
}

// Transcribe runs whisper.cpp on file, a 16kHz WAV, and returns the segments it printed.
func (w Whisper) Transcribe(ctx context.Context, file string) ([]Segment, error) {
	out, err := w.runner.Run(ctx, filepath.Join(w.dir, "main"), "-m", w.model, "-f", file, "-ml", "16")
	if err != nil {
		return nil, fmt.Errorf("error transcribing %s: %w", filepath.Base(file), err)
	}
	return ParseTranscript(string(out)), nil
}

var segmentLine = regexp.MustCompile(`\[(\d{2}:\d{2}:\d{2}\.\d{3}) --> (\d{2}:\d{2}:\d{2}\.\d{3})\](.*)`)

// ParseTranscript reads the "[start --> end] text" lines whisper.cpp prints; other lines are ignored.
// Speech indented by three or more spaces keeps a single leading space, except on the first line.
func ParseTranscript(out string) []Segment {
	var segments []Segment
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		m := segmentLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		speech := m[3]
		spaces := len(speech) - len(strings.TrimLeft(speech, " "))
		speech = strings.TrimSpace(speech)
		if spaces >= 3 && i > 0 {
			speech = " " + speech
		}
		segments = append(segments, Segment{Start: m[1], End: m[2], Speech: speech})
	}
	return segments
}
