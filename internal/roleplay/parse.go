// Package roleplay implements the multi-character chat used by the role-play demo: building a
// transcript prompt, parsing model output back into messages and the generation actions the UI offers.
package roleplay

import (
	"strings"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
)

// maxRoleTokens is the number of space separated tokens allowed before a colon for the line to count as
// dialogue. Longer prefixes are narration that happens to contain a colon.
const maxRoleTokens = 2

// ParseResponse splits model output into messages, one per non-blank line. "NAME: text" lines become a
// message spoken by NAME (upper-cased); every other line becomes narration with role ACTION.
func ParseResponse(response string) []models.Message {
	var msgs []models.Message
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		sep := strings.Index(line, ":")
		if sep > -1 && len(strings.Split(line[:sep], " ")) <= maxRoleTokens {
			msgs = append(msgs, models.NewMessage(
				models.MessageTypeMessage,
				strings.ToUpper(strings.TrimSpace(line[:sep])),
				strings.TrimSpace(line[sep+1:]),
			))
			continue
		}
		msgs = append(msgs, models.NewMessage(models.MessageTypeMessage, models.RoleAction, trimmed))
	}
	return msgs
}
