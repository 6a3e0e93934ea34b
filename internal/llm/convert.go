package llm

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/tsunagi/internal/model"
)

type role string

const (
	roleUser      role = "user"
	roleAssistant role = "assistant"
)

// turn is one provider message: a role and its text blocks.
type turn struct {
	role  role
	texts []string
}

const (
	openingNudge  = "(The conversation begins.)"
	continueNudge = "Continue."
)

// convertTranscript turns a transcript into extra system text and
// alternating provider turns. System message content is returned separately
// so it can follow each agent's own instructions. Assistant
// messages become "Sender agent / Content" text so the active agent can tell
// its peers apart. Tool calls and results are rendered as text because the
// tools that produced them may not be bound to the active agent. Adjacent
// turns of one role are merged; the sequence always starts and ends with a
// user turn.
func convertTranscript(input []model.Message) ([]string, []turn) {
	var (
		system []string
		turns  []turn
	)

	push := func(r role, text string) {
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == r {
			turns[n-1].texts = append(turns[n-1].texts, text)
			return
		}
		turns = append(turns, turn{role: r, texts: []string{text}})
	}

	for _, m := range input {
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
		case model.RoleUser:
			push(roleUser, m.Text())
		case model.RoleAssistant:
			if m.HasToolCalls() {
				for _, c := range m.ToolCalls {
					push(roleAssistant, fmt.Sprintf("Sender agent: %s\nTool call: %s(%s)", m.AgentName, c.Function.Name, c.Function.Arguments))
				}
				continue
			}
			if m.Content == nil {
				continue
			}
			push(roleAssistant, fmt.Sprintf("Sender agent: %s\nContent: %s", m.AgentName, m.Text()))
		case model.RoleTool:
			push(roleUser, fmt.Sprintf("Tool result (%s): %s", m.ToolName, m.Text()))
		}
	}

	if len(turns) == 0 || turns[0].role != roleUser {
		turns = append([]turn{{role: roleUser, texts: []string{openingNudge}}}, turns...)
	}
	if turns[len(turns)-1].role != roleUser {
		turns = append(turns, turn{role: roleUser, texts: []string{continueNudge}})
	}
	return system, turns
}

// systemPrompt joins an agent's instructions with transcript system text.
func systemPrompt(instructions string, extra []string) string {
	return strings.Join(append([]string{instructions}, extra...), "\n\n")
}
