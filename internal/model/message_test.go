package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
)

func TestEnsureSystemMessage_PrependsWhenMissing(t *testing.T) {
	in := []model.Message{model.UserMessage("hello")}
	out := model.EnsureSystemMessage(in)

	require.Len(t, out, 2)
	assert.Equal(t, model.RoleSystem, out[0].Role)
	assert.Equal(t, model.DefaultSystemPrompt, out[0].Text())
	assert.Equal(t, "hello", out[1].Text())
}

func TestEnsureSystemMessage_EmptyTranscript(t *testing.T) {
	out := model.EnsureSystemMessage(nil)
	require.Len(t, out, 1)
	assert.Equal(t, model.RoleSystem, out[0].Role)
}

func TestEnsureSystemMessage_FillsEmptyContent(t *testing.T) {
	in := []model.Message{
		{Role: model.RoleSystem, Content: model.Str("")},
		model.UserMessage("hi"),
	}
	out := model.EnsureSystemMessage(in)

	require.Len(t, out, 2)
	assert.Equal(t, model.DefaultSystemPrompt, out[0].Text())
	assert.Equal(t, model.DefaultSystemPrompt, in[0].Text(), "repaired in place")
}

func TestEnsureSystemMessage_NullContent(t *testing.T) {
	out := model.EnsureSystemMessage([]model.Message{{Role: model.RoleSystem}})
	assert.Equal(t, model.DefaultSystemPrompt, out[0].Text())
}

func TestEnsureSystemMessage_KeepsExisting(t *testing.T) {
	in := []model.Message{model.SystemMessage("be terse"), model.UserMessage("hi")}
	out := model.EnsureSystemMessage(in)
	require.Len(t, out, 2)
	assert.Equal(t, "be terse", out[0].Text())
}

func TestEnsureSystemMessage_SystemNotFirst(t *testing.T) {
	in := []model.Message{model.UserMessage("hi"), model.SystemMessage("late")}
	out := model.EnsureSystemMessage(in)
	require.Len(t, out, 3)
	assert.Equal(t, model.RoleSystem, out[0].Role)
	assert.Equal(t, model.DefaultSystemPrompt, out[0].Text())
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     model.Message
		wantErr bool
	}{
		{"user", model.UserMessage("x"), false},
		{"user without content", model.Message{Role: model.RoleUser}, true},
		{"assistant text", model.AssistantMessage("a", "x", model.ResponseExternal), false},
		{"assistant tool calls", model.ToolCallMessage("a", model.ToolCall{ID: "1", Type: model.ToolCallType}), false},
		{"assistant empty", model.Message{Role: model.RoleAssistant}, true},
		{"tool", model.ToolResultMessage("1", "lookup", "{}"), false},
		{"tool without id", model.Message{Role: model.RoleTool, Content: model.Str("{}")}, true},
		{"unknown role", model.Message{Role: "developer"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToolCallMessageEncodesNullContent(t *testing.T) {
	msg := model.ToolCallMessage("Router", model.ToolCall{
		ID:       "call_1",
		Type:     model.ToolCallType,
		Function: model.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
	})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "content")
	assert.Nil(t, raw["content"])
	assert.Equal(t, "Router", raw["sender"])
	assert.True(t, msg.HasToolCalls())
}

func TestEventPayload(t *testing.T) {
	ev := model.TokensEvent(model.TokenUsage{Total: 3, Prompt: 2, Completion: 1})
	assert.True(t, ev.IsTokens())
	assert.Equal(t, "tokens", ev.Kind())
	data, err := ev.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3,"prompt":2,"completion":1}`, string(data))

	ev = model.MessageEvent(model.UserMessage("hi"))
	assert.Equal(t, "message", ev.Kind())
	data, err = ev.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(data))
}
