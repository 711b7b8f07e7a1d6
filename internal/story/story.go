// Package story holds the story generator state and the prompts that let a model fill it in: plot,
// characters and the story itself, one action at a time.
package story

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ActionType tells narration from a character speaking.
type ActionType string

const (
	// ActionNarrative describes things happening in the story.
	ActionNarrative ActionType = "Narrative"
	// ActionDialogue is a character speaking.
	ActionDialogue ActionType = "Dialogue"
)

// Character is a story character. Fields left empty are candidates for generation.
type Character struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	State       string     `json:"state"`
	Objectives  Objectives `json:"objectives"`
}

// Objectives are what a character works towards.
type Objectives struct {
	ShortTerm string `json:"shortTerm"`
	LongTerm  string `json:"longTerm"`
}

// Plot describes the story as a whole. StorySummary and UpcomingEvents are kept for clients but not used
// in prompts.
type Plot struct {
	StoryDescription string   `json:"storyDescription"`
	Location         string   `json:"location"`
	TimePeriod       string   `json:"timePeriod"`
	Tone             string   `json:"tone"`
	StorySummary     string   `json:"storySummary,omitempty"`
	UpcomingEvents   []string `json:"upcomingEvents,omitempty"`
}

// Action is one line of the story.
type Action struct {
	ID            string     `json:"id"`
	Type          ActionType `json:"type"`
	Text          string     `json:"str"`
	CharacterName string     `json:"characterName,omitempty"`
	// Thoughts is the direction the model gave itself before writing Text.
	Thoughts string `json:"aiThoughts,omitempty"`
}

// State is the whole story being generated.
type State struct {
	Characters []Character `json:"characters"`
	Plot       Plot        `json:"plot"`
	Actions    []Action    `json:"actions"`
}

// NewCharacter returns an empty character with a fresh ID.
func NewCharacter(name string) Character {
	return Character{ID: uuid.New().String(), Name: name}
}

// IsComplete reports whether every character field is filled.
func (c Character) IsComplete() bool {
	return c.Name != "" && c.Description != "" && c.State != "" &&
		c.Objectives.ShortTerm != "" && c.Objectives.LongTerm != ""
}

// UnmarshalJSON decodes onto the existing character, so only fields present in data change. Models are
// asked for flat "shortTermObjective" and "longTermObjective" keys, which are accepted next to the nested
// form.
func (c *Character) UnmarshalJSON(data []byte) error {
	type character Character
	if err := json.Unmarshal(data, (*character)(c)); err != nil {
		return err
	}
	var flat struct {
		ShortTerm *string `json:"shortTermObjective"`
		LongTerm  *string `json:"longTermObjective"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if flat.ShortTerm != nil {
		c.Objectives.ShortTerm = *flat.ShortTerm
	}
	if flat.LongTerm != nil {
		c.Objectives.LongTerm = *flat.LongTerm
	}
	return nil
}

// HasPlot reports whether any of the prompt relevant plot fields is set.
func (p Plot) HasPlot() bool {
	return p.StoryDescription != "" || p.Tone != "" || p.Location != "" || p.TimePeriod != ""
}

// CharacterString lists characters one per line. Objectives are only written when withObjectives is
// set; they steer planning prompts but would leak into the prose.
func CharacterString(chars []Character, withObjectives bool) string {
	lines := make([]string, 0, len(chars))
	for _, c := range chars {
		var sb strings.Builder
		sb.WriteString("- " + c.Name + " ")
		if c.Description != "" {
			sb.WriteString("- DESCRIPTION: " + c.Description + " ")
		}
		if c.State != "" {
			sb.WriteString("- STATE: " + c.State + " ")
		}
		if withObjectives && c.Objectives.LongTerm != "" {
			sb.WriteString("- LONG-TERM OBJECTIVE: " + c.Objectives.LongTerm + " ")
		}
		if withObjectives && c.Objectives.ShortTerm != "" {
			sb.WriteString("- SHORT-TERM OBJECTIVE: " + c.Objectives.ShortTerm + " ")
		}
		lines = append(lines, strings.TrimSpace(sb.String()))
	}
	return strings.Join(lines, "\n")
}

// SettingString renders location and time period as a single SETTING line.
func SettingString(p Plot) string {
	s := "SETTING: " + p.Location
	if p.TimePeriod != "" {
		if p.Location != "" {
			s += " in "
		} else {
			s += "Time Period - "
		}
		s += p.TimePeriod
	}
	return strings.TrimSpace(s)
}

// PlotString renders the plot. The description is only written when withDescription is set.
func PlotString(p Plot, withDescription bool) string {
	var sb strings.Builder
	if withDescription && p.StoryDescription != "" {
		sb.WriteString("DESCRIPTION: " + p.StoryDescription + "\n")
	}
	if p.Tone != "" {
		sb.WriteString("TONE: " + p.Tone + "\n")
	}
	if p.Location != "" || p.TimePeriod != "" {
		sb.WriteString(SettingString(p))
	}
	return sb.String()
}

// ActionsString renders the story so far, one action per line.
func ActionsString(actions []Action) string {
	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case ActionNarrative:
			lines = append(lines, a.Text)
		case ActionDialogue:
			lines = append(lines, fmt.Sprintf("%s: %s", a.CharacterName, a.Text))
		default:
			lines = append(lines, "")
		}
	}
	return strings.Join(lines, "\n")
}
