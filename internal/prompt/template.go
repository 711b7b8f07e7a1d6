package prompt

import "github.com/MegaGrindStone/ai-experiments/internal/models"

// Template is a prompt split into user and system parts. PrefixResponse is appended after the formatted
// prompt to steer the start of the answer.
type Template struct {
	User           []Part `json:"user"`
	System         []Part `json:"system,omitempty"`
	PrefixResponse string `json:"prefixResponse,omitempty"`
	Grammar        string `json:"grammar,omitempty"`
}

// Rendered is the outcome of rendering a template: a prompt string, or a message list for FormatOpenAI.
type Rendered struct {
	Prompt   string               `json:"prompt,omitempty"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
}

// Render joins the template parts and wraps them in the named format.
func (t Template) Render(format string) (Rendered, error) {
	user, system := Join(t.User), Join(t.System)
	if format == FormatOpenAI {
		msgs := Messages(user, system)
		if t.PrefixResponse != "" {
			msgs = append(msgs, models.ChatMessage{Role: "assistant", Content: t.PrefixResponse})
		}
		return Rendered{Messages: msgs}, nil
	}

	p, err := Format(format, user, system)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Prompt: p + t.PrefixResponse}, nil
}

// Apply copies the rendered prompt and grammar into req.
func (r Rendered) Apply(req models.CompletionRequest, grammar string) models.CompletionRequest {
	req.Prompt = r.Prompt
	req.Messages = r.Messages
	if grammar != "" {
		req.Grammar = grammar
	}
	return req
}
