package story

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueCompleter struct {
	responses []string
	requests  []models.CompletionRequest
}

func (q *queueCompleter) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	q.requests = append(q.requests, req)
	if len(q.responses) == 0 {
		return "", nil
	}
	res := q.responses[0]
	q.responses = q.responses[1:]
	return res, nil
}

func newTestGenerator(responses ...string) (Generator, *queueCompleter) {
	llm := &queueCompleter{responses: responses}
	return NewGenerator(llm, prompt.FormatFlexible, slog.New(slog.NewTextHandler(io.Discard, nil))), llm
}

func TestCharacterString(t *testing.T) {
	chars := []Character{
		{Name: "Ann", Description: "a baker", Objectives: Objectives{ShortTerm: "sell bread", LongTerm: "own a shop"}},
		{Name: "Bo"},
	}

	assert.Equal(t,
		"- Ann - DESCRIPTION: a baker - LONG-TERM OBJECTIVE: own a shop - SHORT-TERM OBJECTIVE: sell bread\n- Bo",
		CharacterString(chars, true))
	assert.Equal(t, "- Ann - DESCRIPTION: a baker\n- Bo", CharacterString(chars, false))
}

func TestSettingString(t *testing.T) {
	assert.Equal(t, "SETTING: Paris in 1920s", SettingString(Plot{Location: "Paris", TimePeriod: "1920s"}))
	assert.Equal(t, "SETTING: Time Period - 1920s", SettingString(Plot{TimePeriod: "1920s"}))
	assert.Equal(t, "SETTING: Paris", SettingString(Plot{Location: "Paris"}))
	assert.Equal(t, "SETTING:", SettingString(Plot{}))
}

func TestPlotString(t *testing.T) {
	p := Plot{StoryDescription: "A heist.", Tone: "Tense.", Location: "Rome"}
	assert.Equal(t, "DESCRIPTION: A heist.\nTONE: Tense.\nSETTING: Rome", PlotString(p, true))
	assert.Equal(t, "TONE: Tense.\nSETTING: Rome", PlotString(p, false))
	assert.Empty(t, PlotString(Plot{}, true))
}

func TestActionsString(t *testing.T) {
	actions := []Action{
		{Type: ActionNarrative, Text: "Rain fell."},
		{Type: ActionDialogue, CharacterName: "Ann", Text: "Hurry."},
	}
	assert.Equal(t, "Rain fell.\nAnn: Hurry.", ActionsString(actions))
}

func TestCharacterIsComplete(t *testing.T) {
	c := Character{Name: "Ann", Description: "d", State: "s", Objectives: Objectives{ShortTerm: "a", LongTerm: "b"}}
	assert.True(t, c.IsComplete())
	c.State = ""
	assert.False(t, c.IsComplete())
}

func TestDescriptionPrompt(t *testing.T) {
	got := prompt.Join(DescriptionPrompt(nil, Plot{Tone: "Light."}))
	assert.Contains(t, got, "STORY INFO:\nTONE: Light.\nRESPONSE:\n")
	assert.NotContains(t, got, "CHARACTERS")
	assert.NotContains(t, got, "SETTING")
}

func TestPickActionPrompt(t *testing.T) {
	actions := []Action{{Type: ActionNarrative, Text: "It began."}}

	got := prompt.Join(PickActionPrompt(nil, Plot{}, actions, ""))
	assert.Contains(t, got, "STORY:\nIt began.\n")
	assert.NotContains(t, got, "USER INFLUENCE")

	got = prompt.Join(PickActionPrompt(nil, Plot{}, actions, "a dragon appears"))
	assert.Contains(t, got, "USER INFLUENCE:\n")
	assert.Contains(t, got, "a dragon appears\nRESPONSE:\n")
}

func TestFillCharacterPromptExcludesSelf(t *testing.T) {
	ann := Character{ID: "1", Name: "Ann", Description: "a baker"}
	bo := Character{ID: "2", Name: "Bo"}

	got := prompt.Join(FillCharacterPrompt(ann, []Character{ann, bo}, Plot{}))
	assert.Contains(t, got, "OTHER CHARACTERS:\n- Bo\n")
	assert.Contains(t, got, "CHARACTER INFO:\nName: Ann\nDESCRIPTION: \nRESPONSE:\n")
}

func TestApply(t *testing.T) {
	c := Character{ID: "keep", Name: "Ann", State: "sleeping"}
	err := Apply(&c, "Sure! Here it is:\n```json\n{\"description\": \"a baker\", \"shortTermObjective\": \"bake\"}\n```")
	require.NoError(t, err)

	assert.Equal(t, "keep", c.ID)
	assert.Equal(t, "Ann", c.Name)
	assert.Equal(t, "sleeping", c.State)
	assert.Equal(t, "a baker", c.Description)
	assert.Equal(t, "bake", c.Objectives.ShortTerm)
}

func TestApplyArray(t *testing.T) {
	var c Character
	require.NoError(t, Apply(&c, `[{"name": "Bo"}, {"name": "Cy"}]`))
	assert.Equal(t, "Bo", c.Name)
}

func TestApplyNoJSON(t *testing.T) {
	var c Character
	assert.ErrorIs(t, Apply(&c, "no json {here"), ErrNoJSON)
	assert.ErrorIs(t, Apply(&c, "[]"), ErrNoJSON)
}

func TestGeneratorCharactersReplacesByName(t *testing.T) {
	g, llm := newTestGenerator(
		`{"name": "ann", "description": "a thief"}`,
		`{"name": "Cy", "description": "a guard"}`,
	)
	s := State{Characters: []Character{{ID: "a1", Name: "Ann"}}}

	got, err := g.Characters(context.Background(), s, 2, RelevanceHigh)
	require.NoError(t, err)
	require.Len(t, got.Characters, 2)
	assert.Equal(t, "a1", got.Characters[0].ID)
	assert.Equal(t, "a thief", got.Characters[0].Description)
	assert.Equal(t, "Cy", got.Characters[1].Name)
	assert.NotEmpty(t, got.Characters[1].ID)
	assert.Empty(t, s.Characters[0].Description)

	require.Len(t, llm.requests, 2)
	assert.Contains(t, llm.requests[0].Prompt, "highly relevant")
	assert.InDelta(t, 0.75, llm.requests[0].Temperature, 1e-9)
}

func TestGeneratorCharactersCapsCount(t *testing.T) {
	responses := make([]string, 0, 50)
	for i := range 50 {
		responses = append(responses, fmt.Sprintf(`{"name": "C%d"}`, i))
	}
	g, llm := newTestGenerator(responses...)

	got, err := g.Characters(context.Background(), State{}, 50, RelevanceLow)
	require.NoError(t, err)
	assert.Len(t, got.Characters, MaxCharacters)
	assert.Len(t, llm.requests, MaxCharacters)
}

func TestGeneratorFillCharacter(t *testing.T) {
	g, _ := newTestGenerator(`{"id": "other", "state": "hiding"}`)
	s := State{Characters: []Character{{ID: "a1", Name: "Ann"}}}

	got, err := g.FillCharacter(context.Background(), s, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Characters[0].ID)
	assert.Equal(t, "hiding", got.Characters[0].State)

	_, err = g.FillCharacter(context.Background(), s, "missing")
	assert.ErrorIs(t, err, ErrCharacterNotFound)
}

func TestGeneratorSetting(t *testing.T) {
	g, _ := newTestGenerator(`{"location": "Oslo", "tone": "ignored"}`)

	got, err := g.Setting(context.Background(), State{Plot: Plot{TimePeriod: "1900", Tone: "Grim."}})
	require.NoError(t, err)
	assert.Equal(t, "Oslo", got.Plot.Location)
	assert.Equal(t, "1900", got.Plot.TimePeriod)
	assert.Equal(t, "Grim.", got.Plot.Tone)
}

func TestGeneratorNextAction(t *testing.T) {
	g, llm := newTestGenerator(
		"Once upon a time.",
		`{"type": "Dialogue", "characterName": "Ann", "str": "Ann should greet Bo"}`,
		`Ann: "Hello, Bo."`,
	)

	got, err := g.NextAction(context.Background(), State{}, "")
	require.NoError(t, err)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, ActionNarrative, got.Actions[0].Type)
	assert.Equal(t, "Once upon a time.", got.Actions[0].Text)

	line := got.Actions[1]
	assert.Equal(t, ActionDialogue, line.Type)
	assert.Equal(t, "Ann", line.CharacterName)
	assert.Equal(t, "Hello, Bo.", line.Text)
	assert.Equal(t, "Ann should greet Bo", line.Thoughts)

	require.Len(t, llm.requests, 3)
	assert.Equal(t, []string{"\n"}, llm.requests[2].Stop)
	assert.Contains(t, llm.requests[2].Prompt, "CHARACTER: Ann\n")
}

func TestGenerateUnknownField(t *testing.T) {
	g, _ := newTestGenerator()
	_, err := g.Generate(context.Background(), Request{Field: "weather"})
	assert.ErrorIs(t, err, ErrUnknownField)
}
