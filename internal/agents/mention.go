package agents

import (
	"regexp"
	"strings"
)

// EntityKind classifies what a mention refers to.
type EntityKind string

const (
	EntityAgent  EntityKind = "agent"
	EntityTool   EntityKind = "tool"
	EntityPrompt EntityKind = "prompt"
)

// Entity is a resolved mention.
type Entity struct {
	Kind EntityKind
	Name string
}

// Namespace is the set of names mentions may resolve against.
type Namespace struct {
	Agents  map[string]bool
	Tools   map[string]bool
	Prompts map[string]string // name -> prompt text
}

// mentionPattern matches the editor's mention markup: [@agent:Name](#mention).
var mentionPattern = regexp.MustCompile(`\[@(agent|tool|prompt):([^\]]+)\]\(#mention\)`)

// ResolveMentions replaces every mention in text with plain text and returns
// the entities it resolved, each once, in order of first appearance.
//
// Agent and tool mentions become their bare names. Prompt mentions are
// replaced by the prompt's text. Mentions of names absent from ns keep their
// name in the text but produce no entity.
func ResolveMentions(text string, ns Namespace) (string, []Entity) {
	var entities []Entity
	seen := make(map[Entity]bool)

	out := mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		parts := mentionPattern.FindStringSubmatch(m)
		kind, name := EntityKind(parts[1]), strings.TrimSpace(parts[2])

		var (
			known       bool
			replacement = name
		)
		switch kind {
		case EntityAgent:
			known = ns.Agents[name]
		case EntityTool:
			known = ns.Tools[name]
		case EntityPrompt:
			var prompt string
			prompt, known = ns.Prompts[name]
			if known {
				replacement = prompt
			}
		}

		if e := (Entity{Kind: kind, Name: name}); known && !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
		return replacement
	})
	return out, entities
}

var unsafeToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SafeName turns an arbitrary agent name into a fragment usable in a tool
// name (letters, digits, underscore and hyphen).
func SafeName(name string) string {
	s := strings.Trim(unsafeToolChars.ReplaceAllString(name, "_"), "_")
	if s == "" {
		return "agent"
	}
	return s
}

// TransferToolName is the name of the tool that hands control to agent.
func TransferToolName(agent string) string {
	return truncate(TransferPrefix + SafeName(agent))
}

// TransferPrefix starts the name of every hand-off tool. Tools with this
// prefix are never reported as ordinary tool calls.
const TransferPrefix = "transfer_to_"

func truncate(name string) string {
	const maxToolName = 64
	if len(name) > maxToolName {
		return name[:maxToolName]
	}
	return name
}
