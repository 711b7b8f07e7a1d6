package models

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
	),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

// RenderTranscript renders messages as a markdown document. Narration is written as plain paragraphs,
// thoughts are wrapped in a <details> block labelled with their ThoughtLabel.
func RenderTranscript(title string, messages []Message) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString(fmt.Sprintf("# %s\n\n", title))
	}
	for _, msg := range messages {
		switch {
		case msg.Type == MessageTypeThought:
			sb.WriteString(fmt.Sprintf("<details><summary>%s</summary>\n\n%s\n\n</details>\n\n", msg.ThoughtLabel, msg.Content))
		case msg.Role == RoleAction || msg.Role == "":
			sb.WriteString(fmt.Sprintf("*%s*\n\n", strings.TrimSpace(msg.Content)))
		default:
			sb.WriteString(fmt.Sprintf("**%s:** %s\n\n", msg.Role, strings.TrimSpace(msg.Content)))
		}
	}
	return sb.String()
}

// RenderMarkdown converts markdown content into HTML, highlighting fenced code blocks.
func RenderMarkdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("error rendering markdown: %w", err)
	}
	return buf.String(), nil
}
