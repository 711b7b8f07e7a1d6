package story

import (
	"slices"

	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
)

// Relevance controls how tightly a generated character must fit the story.
type Relevance string

// Relevance levels understood by CharactersPrompt.
const (
	RelevanceOff    Relevance = "off"
	RelevanceLow    Relevance = "low"
	RelevanceMedium Relevance = "medium"
	RelevanceHigh   Relevance = "high"
)

var relevanceInstructions = map[Relevance]string{
	RelevanceLow:    " The character should be somewhat relevant to the story.",
	RelevanceMedium: " The character should be relevant to the story, fitting mildly with existing elements.",
	RelevanceHigh:   " The character should be highly relevant and integral to the story.",
}

const storyInfo = "STORY INFO:\n"

func settingPart(p Plot) prompt.Part {
	return prompt.If(p.Location != "" || p.TimePeriod != "", SettingString(p)+"\n")
}

func charactersPart(label string, chars []Character, withObjectives bool) prompt.Part {
	return prompt.If(len(chars) > 0, CharacterString(chars, withObjectives)+"\n").Pre(label + ":\n")
}

func actionsPart(actions []Action) prompt.Part {
	return prompt.If(len(actions) > 0, ActionsString(actions)+"\n").Pre("STORY:\n")
}

func response() prompt.Part {
	return prompt.P("RESPONSE:\n")
}

// DescriptionPrompt asks for a short story description from whatever is known so far.
func DescriptionPrompt(chars []Character, p Plot) []prompt.Part {
	return []prompt.Part{
		prompt.P("Write a short story description based on the following info. The description should concisely explain what the story is mainly about. Make sure not to go into too much detail. It should be compelling and creative.\n\n").Suf(storyInfo),
		prompt.If(p.Tone != "", "TONE: "+p.Tone+"\n"),
		settingPart(p),
		charactersPart("CHARACTERS", chars, true),
		response(),
	}
}

// CharactersPrompt asks for one new character as a JSON object.
func CharactersPrompt(chars []Character, p Plot, relevance Relevance) []prompt.Part {
	instruction := ""
	if len(chars) > 0 {
		instruction = relevanceInstructions[relevance]
	}
	return []prompt.Part{
		prompt.P("Write a character based on the following story info." + instruction + ` Return an object with the following keys:
"name": Give the character a first name.
"description": A short description of the character, describing who they are and what they're like.
"state": The character's current state, which describes what they're doing at the moment.
"shortTermObjective": The character's short-term objective, which is what they want to accomplish in the short term.
"longTermObjective": The character's long-term objective, which is what they want to accomplish over time, in the long term.

`).Suf(storyInfo),
		prompt.P(PlotString(p, true) + "\n"),
		charactersPart("EXISTING CHARACTERS", chars, true),
		response(),
	}
}

// FillCharacterPrompt asks for the missing details of c as a JSON object. The other characters of the
// story are given as context.
func FillCharacterPrompt(c Character, all []Character, p Plot) []prompt.Part {
	others := slices.DeleteFunc(slices.Clone(all), func(o Character) bool { return o.ID == c.ID })
	return []prompt.Part{
		prompt.P("Generate detailed information for the following character based on the story's plot and other characters. Provide missing information only. Return an object with the updated details.\n\n"),
		prompt.If(p.HasPlot(), PlotString(p, true)+"\n"),
		charactersPart("OTHER CHARACTERS", others, true),
		prompt.P("CHARACTER INFO:\n"),
		prompt.If(c.Name != "", "Name: "+c.Name+"\n"),
		prompt.If(c.Description != "", "DESCRIPTION: \n"),
		prompt.If(c.State != "", "STATE: \n"),
		prompt.If(c.Objectives.ShortTerm != "", "SHORT-TERM OBJECTIVE: \n"),
		prompt.If(c.Objectives.LongTerm != "", "LONG-TERM OBJECTIVE: \n"),
		response(),
	}
}

// SettingPrompt asks for a location and time period as a JSON object.
func SettingPrompt(chars []Character, p Plot) []prompt.Part {
	return []prompt.Part{
		prompt.P(`Write a brief setting based on the following story info.
Important: The setting should make sense with the following story info.
Return an object with the following keys:
"location": The location of the story.
"timePeriod": The time period of the story.

`).Suf(storyInfo),
		prompt.If(p.StoryDescription != "", "DESCRIPTION: "+p.StoryDescription+"\n"),
		charactersPart("CHARACTERS", chars, true),
		response(),
	}
}

// TonePrompt asks for a one sentence tone guideline.
func TonePrompt(chars []Character, p Plot) []prompt.Part {
	return []prompt.Part{
		prompt.P(`Write a Tone to guide how the following story should be written.
The tone should be a brief sentence that provides guidance to write the story, but should not be specific to the story itself in any way. It should properly convey the tone in which the story will be written.
A simple example would be "Dark and gritty but realistic."

`).Suf(storyInfo),
		prompt.If(p.StoryDescription != "", "DESCRIPTION: "+p.StoryDescription+"\n"),
		settingPart(p),
		charactersPart("CHARACTERS", chars, true),
		response(),
	}
}

// StarterPrompt asks for the opening of the story.
func StarterPrompt(chars []Character, p Plot) []prompt.Part {
	return []prompt.Part{
		prompt.P("Write an introduction to the story based on the following story info. It should set the stage for the story, introducing key elements and providing a clear point for the story to continue from.\n\n").Suf(storyInfo),
		prompt.P(PlotString(p, true) + "\n"),
		charactersPart("CHARACTERS", chars, true),
		response(),
	}
}

// PickActionPrompt asks the model to plan the next action as a JSON object with type, characterName and
// str keys. userRequest is optional direction from the user.
func PickActionPrompt(chars []Character, p Plot, actions []Action, userRequest string) []prompt.Part {
	return []prompt.Part{
		prompt.P(`Choose something to happen in order to influence the next few sentences of the following story. You can pick anything that makes sense with the story so far. It can be a narrative or dialogue. It should be relevant to the story and move the plot forward without going too far in one step. You should refer to characters by name.
Return an object with the following keys:
"type": Either "Narrative" or "Dialogue". Narrative is a description of things happening in the story and Dialogue is a character speaking. What should the next line of the story be?
"characterName"?: Name of the character that you choose to speak, if Dialogue.
"str": Instruction on how to write the next part of the story. This should be a short description of what should happen next, and should be written in the form of an inner-thought, like "Character should do this" or "This should happen", and should provide direction on how to write the next part of the story.

`).Suf(storyInfo),
		prompt.P(PlotString(p, true) + "\n"),
		charactersPart("CHARACTERS", chars, true),
		actionsPart(actions),
		prompt.If(userRequest != "", userRequest+"\n").Pre("USER INFLUENCE:\n(These are the user's thoughts on what should happen next in the story, you should not reference these in your answer.)\n"),
		response(),
	}
}

// NarrativePrompt asks for the next narration line, guided by the planned thoughts. Planning only
// details are left out.
func NarrativePrompt(chars []Character, p Plot, actions []Action, thoughts string) []prompt.Part {
	return []prompt.Part{
		prompt.P(`Write a narrative continuation based on the story's progression. Use descriptive language to depict the scene, actions, and emotions, drawing upon the previous story elements and your prior thoughts.
Your thoughts aren't part of the story, only you can see them.

`),
		prompt.P(storyInfo + PlotString(p, false) + "\n"),
		charactersPart("CHARACTERS", chars, false),
		actionsPart(actions),
		prompt.If(thoughts != "", thoughts+"\n").Pre("YOUR THOUGHTS:\n"),
		response(),
	}
}

// DialoguePrompt asks for the next line spoken by speaker, guided by the planned thoughts.
func DialoguePrompt(chars []Character, p Plot, actions []Action, thoughts, speaker string) []prompt.Part {
	return []prompt.Part{
		prompt.P(`Write some dialogue that fits the following story's current context. Reflect the speaking character's personality, motivations, and the previous story elements. Use your thoughts to guide what the character says. Your thoughts aren't part of the story, only you can see them.
Your response should be spoken dialogue only with no narrative directions, in no more than 5 sentences.

`),
		prompt.P(storyInfo + PlotString(p, false) + "\n"),
		charactersPart("CHARACTERS", chars, false),
		actionsPart(actions),
		prompt.If(thoughts != "", thoughts+"\n").Pre("YOUR THOUGHTS:\n"),
		prompt.If(speaker != "", "CHARACTER: "+speaker+"\n"),
		response(),
	}
}
