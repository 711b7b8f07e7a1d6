package services_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	name   string
	models []string
	err    error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTranscript(t *testing.T) {
	out := `
[00:00:00.000 --> 00:00:01.000]   Hello
[00:00:01.000 --> 00:00:02.000]   world
[00:00:02.000 --> 00:00:02.500] ,
whisper_print_timings:     load time =   100.00 ms
`

	got := services.ParseTranscript(out)

	assert.Equal(t, []services.Segment{
		{Start: "00:00:00.000", End: "00:00:01.000", Speech: "Hello"},
		{Start: "00:00:01.000", End: "00:00:02.000", Speech: " world"},
		{Start: "00:00:02.000", End: "00:00:02.500", Speech: ","},
	}, got)
	assert.Empty(t, services.ParseTranscript("no segments here"))
}

func TestStripRTF(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "font table and formatting",
			src:  `{\rtf1\ansi{\fonttbl\f0\fswiss Helvetica;}\f0\pard Hello \b World\b0\par Second line\'e9\par}`,
			want: "Hello World\nSecond lineé",
		},
		{
			name: "ignorable destination",
			src:  `{\rtf1{\*\generator Riched20;}Text\tab more}`,
			want: "Text\tmore",
		},
		{
			name: "escaped braces and unicode",
			src:  `{\rtf1 a \{b\} \u8364?c}`,
			want: "a {b} €c",
		},
		{
			name: "unicode with hex fallback",
			src:  `{\rtf1 don\u8217\'92t}`,
			want: "don\u2019t",
		},
		{
			name: "two fallback characters",
			src:  `{\rtf1\uc2 a\u8364 EUb}`,
			want: "a€b",
		},
		{
			name: "windows-1252 quotes",
			src:  `{\rtf1\ansi\ansicpg1252 \'93Hi\'94 \'96 bye}`,
			want: "\u201cHi\u201d \u2013 bye",
		},
		{
			name: "cyrillic code page",
			src:  `{\rtf1\ansi\ansicpg1251 \'cf\'f0\'e8}`,
			want: "\u041f\u0440\u0438",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, services.StripRTF(tt.src))
		})
	}
}

func TestTextExtractor(t *testing.T) {
	var ex services.TextExtractor

	res, err := ex.Extract("notes.TXT", strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.Equal(t, services.Extracted{Text: "plain text", Type: "string"}, res)

	res, err = ex.Extract("doc.rtf", strings.NewReader(`{\rtf1 Hi\par}`))
	require.NoError(t, err)
	assert.Equal(t, services.Extracted{Text: "Hi", Type: "rtf"}, res)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Hello</w:t><w:tab/><w:t>there</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t></w:r></w:p>
</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	res, err = ex.Extract("doc.docx", &buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello\tthere\nSecond", res.Text)

	_, err = ex.Extract("old.doc", strings.NewReader("binary"))
	assert.ErrorIs(t, err, services.ErrUnsupportedFile)

	_, err = ex.Extract("broken.docx", strings.NewReader("not a zip"))
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	local := fakeGenerator{name: "local", models: []string{"mistral"}}
	remote := fakeGenerator{name: "remote", models: []string{"gpt-4"}}

	assert.True(t, services.IsOpenAIModel("gpt-3.5-turbo"))
	assert.True(t, services.IsOpenAIModel("gpt-4o"))
	assert.False(t, services.IsOpenAIModel("mistral-7b"))

	r := services.NewRouter(local, remote, discardLogger())

	got, err := r.Complete(ctx, models.CompletionRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "remote", got)

	got, err = r.Complete(ctx, models.CompletionRequest{Model: "mistral"})
	require.NoError(t, err)
	assert.Equal(t, "local", got)

	names, err := r.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral", "gpt-4"}, names)

	r = services.NewRouter(local, fakeGenerator{err: errors.New("unauthorized")}, discardLogger())
	names, err = r.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral"}, names)

	r = services.NewRouter(local, nil, discardLogger())
	_, err = r.Complete(ctx, models.CompletionRequest{Model: "gpt-4"})
	assert.ErrorIs(t, err, services.ErrMissingAPIKey)

	for _, err := range r.Stream(ctx, models.CompletionRequest{Model: "gpt-4"}) {
		assert.ErrorIs(t, err, services.ErrMissingAPIKey)
	}
}

func TestRunner(t *testing.T) {
	r := services.NewRunner(1, discardLogger())

	out, err := r.Run(context.Background(), "sh", "-c", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(out))

	_, err = r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), "oops")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, "sh", "-c", "echo hi")
	assert.Error(t, err)
}

func TestChunkIndex(t *testing.T) {
	ctx := context.Background()
	embed := func(_ context.Context, text string) ([]float32, error) {
		return []float32{
			float32(strings.Count(text, "a")),
			float32(strings.Count(text, "b")),
			float32(strings.Count(text, "n")),
			0.1,
		}, nil
	}

	idx, err := services.NewChunkIndex("", embed, discardLogger())
	require.NoError(t, err)

	res, err := idx.Search(ctx, "apple", 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "1", Title: "Fruit", Content: "apple apple"}))
	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "2", Title: "Other", Content: "banana"}))
	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "3", Title: "Empty"}))

	res, err = idx.Search(ctx, "apple", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "1", res[0].ID)
	assert.Equal(t, "Fruit", res[0].Title)

	require.NoError(t, idx.Remove(ctx, "1"))
	res, err = idx.Search(ctx, "apple", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "2", res[0].ID)
}

func TestChunkIndexEmptyContentRemoves(t *testing.T) {
	ctx := context.Background()
	embed := func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(strings.Count(text, "a")), 0.1}, nil
	}
	idx, err := services.NewChunkIndex("", embed, discardLogger())
	require.NoError(t, err)

	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "1", Title: "Fruit", Content: "apple"}))
	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "2", Title: "Other", Content: "banana"}))
	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "1", Title: "Fruit"}))

	res, err := idx.Search(ctx, "apple", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "2", res[0].ID)

	require.NoError(t, idx.Index(ctx, models.TextChunk{ID: "missing"}))
}

func (g fakeGenerator) Complete(context.Context, models.CompletionRequest) (string, error) {
	return g.name, g.err
}

func (g fakeGenerator) Stream(context.Context, models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(g.name, g.err)
	}
}

func (g fakeGenerator) Models(context.Context) ([]string, error) {
	return g.models, g.err
}
