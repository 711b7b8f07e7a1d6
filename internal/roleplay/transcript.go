package roleplay

import (
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
)

// Order tells BuildPrompt where an instruction goes relative to the chat description.
type Order int

const (
	// OrderPrepend puts the instruction on its own line before the description.
	OrderPrepend Order = iota
	// OrderAppend puts the instruction right after the description.
	OrderAppend
	// OrderReplace uses the instruction instead of the description.
	OrderReplace
)

// Instructions used by the generation actions.
const (
	InstructionContinue   = "Continue the conversation based on the following. Your response should start with a character NAME, or be an action/narrative desribing what is happening."
	InstructionFill       = "Finish the last line based on the following conversation."
	InstructionRegenerate = "Write the next line based on the following conversation."
)

// BuildPrompt renders the header (description and optional instruction) followed by the transcript,
// one line per message. Narration is written without a speaker.
func BuildPrompt(description, instruction string, order Order, msgs []models.Message) string {
	var sb strings.Builder

	switch {
	case instruction == "":
		sb.WriteString(description)
	case order == OrderPrepend:
		sb.WriteString(instruction + "\n" + description)
	case order == OrderAppend:
		sb.WriteString(description + instruction)
	default:
		sb.WriteString(instruction)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}

	for _, msg := range msgs {
		if msg.Role == models.RoleAction || msg.Role == "" {
			sb.WriteString(msg.Content + "\n")
			continue
		}
		sb.WriteString(msg.Role + ": " + msg.Content + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}
