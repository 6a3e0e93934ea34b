package model

import "encoding/json"

// TokenUsage is a snapshot of accumulated token counts.
type TokenUsage struct {
	Total      int64 `json:"total"`
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

// Add returns the element-wise sum of u and d.
func (u TokenUsage) Add(d TokenUsage) TokenUsage {
	return TokenUsage{
		Total:      u.Total + d.Total,
		Prompt:     u.Prompt + d.Prompt,
		Completion: u.Completion + d.Completion,
	}
}

// Event is one element of the orchestrator's output stream: exactly one of
// Message or Tokens is set.
type Event struct {
	Message *Message    `json:"message,omitempty"`
	Tokens  *TokenUsage `json:"tokens,omitempty"`
}

// MessageEvent wraps a message as an output event.
func MessageEvent(m Message) Event { return Event{Message: &m} }

// TokensEvent wraps a usage snapshot as an output event.
func TokensEvent(u TokenUsage) Event { return Event{Tokens: &u} }

// IsTokens reports whether the event is a usage snapshot.
func (e Event) IsTokens() bool { return e.Tokens != nil }

// Kind is the SSE event name for e.
func (e Event) Kind() string {
	if e.Tokens != nil {
		return "tokens"
	}
	return "message"
}

// Payload returns the JSON body for the populated variant.
func (e Event) Payload() ([]byte, error) {
	if e.Tokens != nil {
		return json.Marshal(e.Tokens)
	}
	return json.Marshal(e.Message)
}
