package models

// CompletionRequest carries generation options understood by every LLM provider. Zero values mean
// "provider default" and are left out of the outgoing request.
type CompletionRequest struct {
	Model string `json:"model,omitempty"`

	// Prompt is the fully formatted prompt for completion style backends.
	Prompt string `json:"prompt,omitempty"`
	// Messages is used instead of Prompt by chat style backends.
	Messages []ChatMessage `json:"messages,omitempty"`

	MaxTokens              int      `json:"max,omitempty"`
	Temperature            float64  `json:"temp,omitempty"`
	TopP                   float64  `json:"top_p,omitempty"`
	TopK                   int      `json:"top_k,omitempty"`
	RepetitionPenalty      float64  `json:"repetition_penalty,omitempty"`
	RepetitionPenaltyRange int      `json:"repetition_penalty_range,omitempty"`
	GuidanceScale          float64  `json:"cfg,omitempty"`
	Stop                   []string `json:"stop,omitempty"`
	BanEOSToken            bool     `json:"ban_eos_token,omitempty"`
	Grammar                string   `json:"grammar,omitempty"`
	Seed                   int      `json:"seed,omitempty"`
}

// ChatMessage is the role/content pair chat completion APIs expect.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultCompletion returns the defaults the demos share for free-form generation.
func DefaultCompletion() CompletionRequest {
	return CompletionRequest{
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              20,
		MaxTokens:         256,
		RepetitionPenalty: 1.15,
		Stop:              []string{"RESPONSE:", "INPUT:"},
	}
}
