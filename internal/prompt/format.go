package prompt

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/gobwas/glob"
)

// Format names understood by Format and Template.Render.
const (
	FormatFlexible      = "flexible"
	FormatChatML        = "ChatML"
	FormatUserAssistant = "UserAssistant"
	FormatAlpaca        = "Alpaca"
	FormatAlpacaInput   = "Alpaca_Input"
	// FormatOpenAI produces a message list instead of a prompt string.
	FormatOpenAI = "OpenAI"
)

// ErrUnknownFormat is returned when a format name is not registered.
var ErrUnknownFormat = errors.New("unknown prompt format")

type formatter func(user, system string) string

var formatters = map[string]formatter{
	FormatFlexible: func(user, system string) string {
		var sb strings.Builder
		if system != "" {
			sb.WriteString(system + "\n")
		}
		sb.WriteString(user + "\n")
		sb.WriteString("RESPONSE:\n")
		return sb.String()
	},
	FormatChatML: func(user, system string) string {
		var sb strings.Builder
		if system != "" {
			sb.WriteString("<|im_start|>system\n" + system + "<|im_end|>\n")
		}
		sb.WriteString("<|im_start|>user\n" + user + "<|im_end|>\n")
		sb.WriteString("<|im_start|>assistant\n")
		return sb.String()
	},
	FormatUserAssistant: func(user, system string) string {
		var sb strings.Builder
		if system != "" {
			sb.WriteString(system + "\n")
		}
		sb.WriteString("USER: " + user + "\n")
		sb.WriteString("ASSISTANT:\n")
		return sb.String()
	},
	FormatAlpaca: func(user, system string) string {
		var sb strings.Builder
		if system != "" {
			sb.WriteString(system + "\n\n")
		}
		sb.WriteString("### Instruction:\n" + user + "\n")
		sb.WriteString("### Response:\n")
		return sb.String()
	},
	FormatAlpacaInput: func(user, system string) string {
		var sb strings.Builder
		if system != "" {
			sb.WriteString("### Instruction:\n" + system + "\n\n")
		}
		sb.WriteString("### Input:\n" + user + "\n")
		sb.WriteString("### Response:\n")
		return sb.String()
	},
}

// Formats lists every registered format name, sorted.
func Formats() []string {
	names := make([]string, 0, len(formatters)+1)
	for name := range formatters {
		names = append(names, name)
	}
	names = append(names, FormatOpenAI)
	slices.Sort(names)
	return names
}

// Format wraps user and system text in the named string format. FormatOpenAI is not a string format,
// use Messages for it.
func Format(name, user, system string) (string, error) {
	f, ok := formatters[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return f(user, system), nil
}

// Messages returns the chat message list OpenAI style APIs expect.
func Messages(user, system string) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: system})
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: user})
}

type modelFormat struct {
	pattern glob.Glob
	format  string
}

// First match wins.
var modelFormats = []modelFormat{
	{glob.MustCompile("*dolphin*mistral*"), FormatChatML},
	{glob.MustCompile("mistral*"), FormatChatML},
	{glob.MustCompile("*luna-ai*"), FormatUserAssistant},
	{glob.MustCompile("*alpaca*"), FormatAlpaca},
	{glob.MustCompile("gpt-*"), FormatOpenAI},
}

// Recommend returns the format best suited to the model. Paths are reduced to their last element and
// matching is case-insensitive. Unknown models get FormatFlexible.
func Recommend(model string) string {
	name := strings.ToLower(path.Base(model))
	for _, mf := range modelFormats {
		if mf.pattern.Match(name) {
			return mf.format
		}
	}
	return FormatFlexible
}
