package model

import "fmt"

// Role identifies which variant of Message is populated.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ResponseType tags an assistant message with its audience.
type ResponseType string

const (
	ResponseInternal ResponseType = "internal"
	ResponseExternal ResponseType = "external"
)

// DefaultSystemPrompt is used when a transcript has no usable system message.
const DefaultSystemPrompt = "You are a helpful assistant."

// ToolCallType is the only call type the orchestrator produces.
const ToolCallType = "function"

// Message is one entry of a conversation transcript.
//
// Content is a pointer because assistant messages that only carry tool calls
// have null content on the wire. Use Text to read it safely.
type Message struct {
	Role         Role         `json:"role"`
	Content      *string      `json:"content"`
	AgentName    string       `json:"sender,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID   string       `json:"tool_call_id,omitempty"`
	ToolName     string       `json:"tool_name,omitempty"`
}

// ToolCall is a single function invocation requested by an assistant.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Text returns the message content, or "" when it is null.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// HasToolCalls reports whether the message is an assistant-with-tool-calls message.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Str returns a pointer to s, for building Message literals.
func Str(s string) *string { return &s }

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: Str(content)}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: Str(content)}
}

// AssistantMessage builds a text assistant message authored by agent.
func AssistantMessage(agent, content string, rt ResponseType) Message {
	return Message{Role: RoleAssistant, Content: Str(content), AgentName: agent, ResponseType: rt}
}

// ToolCallMessage builds an assistant-with-tool-calls message with null content.
func ToolCallMessage(agent string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, AgentName: agent, ResponseType: ResponseInternal, ToolCalls: calls}
}

// ToolResultMessage builds a tool message answering the call with the given id.
func ToolResultMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: Str(content), ToolCallID: callID, ToolName: toolName}
}

// Validate checks that the populated fields match the role.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if m.Content == nil {
			return fmt.Errorf("%s message: content is required", m.Role)
		}
	case RoleAssistant:
		if m.Content == nil && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message: content or tool_calls is required")
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message: tool_call_id is required")
		}
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	return nil
}

// EnsureSystemMessage makes transcript[0] a system message with non-empty
// content. A missing system message is prepended; an empty one is filled
// with DefaultSystemPrompt. The returned slice may share storage with the
// input.
func EnsureSystemMessage(messages []Message) []Message {
	if len(messages) == 0 || messages[0].Role != RoleSystem {
		return append([]Message{SystemMessage(DefaultSystemPrompt)}, messages...)
	}
	if messages[0].Text() == "" {
		messages[0].Content = Str(DefaultSystemPrompt)
	}
	return messages
}
