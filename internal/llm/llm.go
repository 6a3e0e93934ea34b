// Package llm defines the completion-provider contract the orchestrator runs
// agents through, and implements it on the Anthropic Messages API.
package llm

import (
	"context"
	"iter"

	"github.com/ashita-ai/tsunagi/internal/agents"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// EventKind discriminates RunEvent.
type EventKind int

const (
	// ResponseCompleted is emitted once per model response, before any of
	// the events that response causes. Calls and Usage are set.
	ResponseCompleted EventKind = iota + 1
	// Handoff reports that the run switched to another agent. From and To are set.
	Handoff
	// ToolCallOutput carries the result of one non-transfer tool call.
	// CallID, ToolName and Output are set.
	ToolCallOutput
	// MessageOutput carries the text of a final response. Text is set.
	MessageOutput
)

func (k EventKind) String() string {
	switch k {
	case ResponseCompleted:
		return "response_completed"
	case Handoff:
		return "handoff"
	case ToolCallOutput:
		return "tool_call_output"
	case MessageOutput:
		return "message_output"
	default:
		return "unknown"
	}
}

// RunEvent is one structured event of an agent run.
type RunEvent struct {
	Kind EventKind

	Calls []model.ToolCall
	Usage model.TokenUsage

	From string
	To   string

	CallID   string
	ToolName string
	Output   string

	Text []string
}

// Runner runs an agent over a transcript and streams what happens. A run
// may hand off to other agents mid-stream; it ends after a final response
// or when the provider's own turn budget is spent.
type Runner interface {
	Run(ctx context.Context, agent *agents.Agent, input []model.Message) iter.Seq2[RunEvent, error]
}

// Generator produces a single text completion without tools.
type Generator interface {
	Generate(ctx context.Context, model, instructions, prompt string) (string, error)
}
