package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/google/uuid"
)

// Completer generates text for a completion request.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// MaxCharacters caps how many characters one Characters call generates.
const MaxCharacters = 10

// Fields that Generate can fill.
const (
	FieldDescription = "description"
	FieldCharacters  = "characters"
	FieldCharacter   = "character"
	FieldSetting     = "setting"
	FieldTone        = "tone"
	FieldStarter     = "starter"
	FieldAction      = "action"
)

var (
	// ErrNoJSON is returned when model output holds no JSON object or array.
	ErrNoJSON = errors.New("no JSON found in model output")
	// ErrUnknownField is returned by Generate for a field it cannot fill.
	ErrUnknownField = errors.New("unknown story field")
	// ErrCharacterNotFound is returned when a request names a character the story does not have.
	ErrCharacterNotFound = errors.New("character not found")
)

// Request asks Generate to fill one field of State.
type Request struct {
	Field string `json:"field" validate:"required"`
	State State  `json:"state"`

	// Count is the number of characters to add; zero picks between one and five.
	Count       int       `json:"count,omitempty" validate:"gte=0,lte=10"`
	Relevance   Relevance `json:"relevance,omitempty"`
	CharacterID string    `json:"characterId,omitempty"`
	UserRequest string    `json:"userRequest,omitempty"`
}

// Generator fills story fields with a model.
type Generator struct {
	llm    Completer
	format string

	logger *slog.Logger
}

// NewGenerator creates a Generator. With prompt.FormatOpenAI prompts are sent as chat messages, any
// other format sends the joined parts as a raw prompt.
func NewGenerator(llm Completer, format string, logger *slog.Logger) Generator {
	return Generator{
		llm:    llm,
		format: format,
		logger: logger.With(slog.String("module", "story")),
	}
}

// Generate fills req.Field and returns the updated state.
func (g Generator) Generate(ctx context.Context, req Request) (State, error) {
	s := req.State
	switch req.Field {
	case FieldDescription:
		return g.Description(ctx, s)
	case FieldCharacters:
		return g.Characters(ctx, s, req.Count, req.Relevance)
	case FieldCharacter:
		return g.FillCharacter(ctx, s, req.CharacterID)
	case FieldSetting:
		return g.Setting(ctx, s)
	case FieldTone:
		return g.Tone(ctx, s)
	case FieldStarter:
		return g.Starter(ctx, s)
	case FieldAction:
		return g.NextAction(ctx, s, req.UserRequest)
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownField, req.Field)
	}
}

// Description writes the story description.
func (g Generator) Description(ctx context.Context, s State) (State, error) {
	res, err := g.complete(ctx, DescriptionPrompt(s.Characters, s.Plot), 0, 128)
	if err != nil {
		return s, err
	}
	s.Plot.StoryDescription = strings.TrimSpace(res)
	return s, nil
}

// Characters adds count generated characters. A generated character whose name matches an existing one
// replaces it. count is capped at MaxCharacters.
func (g Generator) Characters(ctx context.Context, s State, count int, relevance Relevance) (State, error) {
	if count <= 0 {
		count = rand.IntN(5) + 1
	}
	count = min(count, MaxCharacters)
	chars := append([]Character(nil), s.Characters...)
	for range count {
		res, err := g.complete(ctx, CharactersPrompt(chars, s.Plot, relevance), 0.75, 512)
		if err != nil {
			return s, err
		}
		c := NewCharacter("")
		if err := Apply(&c, res); err != nil {
			return s, fmt.Errorf("error reading character: %w", err)
		}

		replaced := false
		for i, existing := range chars {
			if strings.EqualFold(strings.TrimSpace(existing.Name), strings.TrimSpace(c.Name)) {
				c.ID = existing.ID
				chars[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			chars = append(chars, c)
		}
	}
	s.Characters = chars
	return s, nil
}

// FillCharacter fills the empty fields of the character with the given ID. Complete characters are left
// alone.
func (g Generator) FillCharacter(ctx context.Context, s State, id string) (State, error) {
	idx := -1
	for i, c := range s.Characters {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
	}
	c := s.Characters[idx]
	if c.IsComplete() {
		return s, nil
	}

	res, err := g.complete(ctx, FillCharacterPrompt(c, s.Characters, s.Plot), 0.75, 512)
	if err != nil {
		return s, err
	}
	if err := Apply(&c, res); err != nil {
		return s, fmt.Errorf("error reading character: %w", err)
	}
	c.ID = s.Characters[idx].ID

	s.Characters = append([]Character(nil), s.Characters...)
	s.Characters[idx] = c
	return s, nil
}

// Setting writes the location and time period.
func (g Generator) Setting(ctx context.Context, s State) (State, error) {
	res, err := g.complete(ctx, SettingPrompt(s.Characters, s.Plot), 0, 256)
	if err != nil {
		return s, err
	}
	setting := struct {
		Location   string `json:"location"`
		TimePeriod string `json:"timePeriod"`
	}{s.Plot.Location, s.Plot.TimePeriod}
	if err := Apply(&setting, res); err != nil {
		return s, fmt.Errorf("error reading setting: %w", err)
	}
	s.Plot.Location = setting.Location
	s.Plot.TimePeriod = setting.TimePeriod
	return s, nil
}

// Tone writes the tone guideline.
func (g Generator) Tone(ctx context.Context, s State) (State, error) {
	res, err := g.complete(ctx, TonePrompt(s.Characters, s.Plot), 0.25, 100)
	if err != nil {
		return s, err
	}
	s.Plot.Tone = strings.TrimSpace(res)
	return s, nil
}

// Starter writes the opening narration and makes it the only action of the story.
func (g Generator) Starter(ctx context.Context, s State) (State, error) {
	res, err := g.complete(ctx, StarterPrompt(s.Characters, s.Plot), 0.25, 256)
	if err != nil {
		return s, err
	}
	s.Actions = []Action{{ID: uuid.New().String(), Type: ActionNarrative, Text: strings.TrimSpace(res)}}
	return s, nil
}

// NextAction plans the next line of the story, then writes it. A story without actions gets a starter
// first.
func (g Generator) NextAction(ctx context.Context, s State, userRequest string) (State, error) {
	if len(s.Actions) == 0 {
		var err error
		if s, err = g.Starter(ctx, s); err != nil {
			return s, err
		}
	}

	res, err := g.complete(ctx, PickActionPrompt(s.Characters, s.Plot, s.Actions, userRequest), 0.25, 384)
	if err != nil {
		return s, err
	}
	var plan Action
	if err := Apply(&plan, res); err != nil {
		return s, fmt.Errorf("error reading action plan: %w", err)
	}

	var parts []prompt.Part
	temp := 0.01
	if plan.Type == ActionDialogue {
		parts = DialoguePrompt(s.Characters, s.Plot, s.Actions, plan.Text, plan.CharacterName)
		temp = 0.25
	} else {
		plan.Type = ActionNarrative
		parts = NarrativePrompt(s.Characters, s.Plot, s.Actions, plan.Text)
	}
	res, err = g.complete(ctx, parts, temp, 512, "\n")
	if err != nil {
		return s, err
	}

	text := strings.TrimSpace(res)
	if plan.Type == ActionDialogue {
		text = cleanDialogue(text, plan.CharacterName)
	}
	s.Actions = append(append([]Action(nil), s.Actions...), Action{
		ID:            uuid.New().String(),
		Type:          plan.Type,
		Text:          text,
		CharacterName: plan.CharacterName,
		Thoughts:      plan.Text,
	})
	return s, nil
}

// cleanDialogue strips a leading speaker name and surrounding quotes.
func cleanDialogue(text, speaker string) string {
	if speaker != "" && strings.HasPrefix(text, speaker) {
		text = strings.TrimSpace(text[len(speaker):])
		text = strings.TrimSpace(strings.TrimPrefix(text, ":"))
	}
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = text[1 : len(text)-1]
	}
	return text
}

func (g Generator) complete(ctx context.Context, parts []prompt.Part, temp float64, maxTokens int, stop ...string) (string, error) {
	req := models.DefaultCompletion()
	if temp > 0 {
		req.Temperature = temp
	}
	req.MaxTokens = maxTokens
	if len(stop) > 0 {
		req.Stop = stop
	}

	// The parts end with their own RESPONSE marker, so only chat backends get them wrapped.
	user := prompt.Join(parts)
	if g.format == prompt.FormatOpenAI {
		req.Messages = prompt.Messages(user, "")
	} else {
		req.Prompt = user
	}

	res, err := g.llm.Complete(ctx, req)
	if err != nil {
		g.logger.Error("Story generation failed", slog.String("err", err.Error()))
		return "", fmt.Errorf("error generating story text: %w", err)
	}
	return res, nil
}

// Apply decodes the first JSON value found in output onto target. Fields absent from the JSON keep
// their current values. When the value is an array, its first element is used.
func Apply(target any, output string) error {
	raw, err := ExtractJSON(output)
	if err != nil {
		return err
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("error decoding array: %w", err)
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: empty array", ErrNoJSON)
		}
		raw = items[0]
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("error decoding object: %w", err)
	}
	return nil
}

// ExtractJSON returns the first complete JSON object or array in output, ignoring any text around it.
func ExtractJSON(output string) (json.RawMessage, error) {
	for i := 0; i < len(output); i++ {
		if output[i] != '{' && output[i] != '[' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(output[i:])).Decode(&raw); err == nil {
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}
