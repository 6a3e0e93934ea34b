package orchestrator

import "github.com/ashita-ai/tsunagi/internal/model"

// CallStack is the chain of agents waiting for control to come back to them,
// innermost caller last.
type CallStack []string

// BuildCallStack reconstructs the call stack from a transcript: the authors
// of assistant messages in order, with immediate repeats collapsed. It is a
// pure function of the transcript, so no stack is stored between invocations.
func BuildCallStack(messages []model.Message) CallStack {
	var stack CallStack
	for _, m := range messages {
		if m.Role != model.RoleAssistant || m.AgentName == "" {
			continue
		}
		if n := len(stack); n > 0 && stack[n-1] == m.AgentName {
			continue
		}
		stack = append(stack, m.AgentName)
	}
	return stack
}

// Push records name as a caller.
func (s *CallStack) Push(name string) {
	*s = append(*s, name)
}

// Pop removes and returns the innermost caller.
func (s *CallStack) Pop() (string, bool) {
	n := len(*s)
	if n == 0 {
		return "", false
	}
	name := (*s)[n-1]
	*s = (*s)[:n-1]
	return name, true
}

// popOr pops the stack, falling back to def when it is empty.
func (s *CallStack) popOr(def string) string {
	if name, ok := s.Pop(); ok {
		return name
	}
	return def
}

// ReturnPolicy picks the agent that receives control after an internal
// agent has spoken.
//
// Only PopCaller exists today. Richer policies are possible here: a caller
// could retain control of its callee for several exchanges, or relinquish it
// to the callee's own hand-offs. Neither is implemented.
type ReturnPolicy interface {
	Next(stack *CallStack, start string) string
}

// PopCaller returns control to the innermost caller, or to the workflow's
// start agent when nobody is waiting.
type PopCaller struct{}

// Next implements ReturnPolicy.
func (PopCaller) Next(stack *CallStack, start string) string {
	return stack.popOr(start)
}
