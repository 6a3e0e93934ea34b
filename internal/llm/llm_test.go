package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/agents"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/tools"
)

func TestConvertTranscript(t *testing.T) {
	input := []model.Message{
		model.SystemMessage("Project rules."),
		model.UserMessage("Hi"),
		model.AssistantMessage("Front", "Hello!", model.ResponseExternal),
		model.UserMessage("Refund order 7"),
		model.ToolCallMessage("Front", model.ToolCall{ID: "c1", Type: "function", Function: model.FunctionCall{Name: "lookup", Arguments: `{"id":7}`}}),
		model.ToolResultMessage("c1", "lookup", `{"result":"paid"}`),
		model.AssistantMessage("Billing", "Working on it.", model.ResponseInternal),
	}

	extra, turns := convertTranscript(input)

	assert.Equal(t, []string{"Project rules."}, extra)
	require.Len(t, turns, 6)
	assert.Equal(t, turn{role: roleUser, texts: []string{"Hi"}}, turns[0])
	assert.Equal(t, turn{role: roleAssistant, texts: []string{"Sender agent: Front\nContent: Hello!"}}, turns[1])
	assert.Equal(t, roleUser, turns[2].role)
	assert.Equal(t, []string{"Sender agent: Front\nTool call: lookup({\"id\":7})"}, turns[3].texts)
	assert.Equal(t, turn{role: roleUser, texts: []string{`Tool result (lookup): {"result":"paid"}`}}, turns[4])
	// A trailing assistant turn gets a user nudge.
	assert.Equal(t, turn{role: roleUser, texts: []string{continueNudge}}, turns[5])
}

func TestConvertTranscript_MergesAndOpens(t *testing.T) {
	input := []model.Message{
		model.AssistantMessage("Front", "Welcome!", model.ResponseExternal),
		model.UserMessage("one"),
		model.UserMessage("two"),
		model.UserMessage(""),
	}
	_, turns := convertTranscript(input)

	require.Len(t, turns, 3)
	assert.Equal(t, []string{openingNudge}, turns[0].texts)
	assert.Equal(t, roleAssistant, turns[1].role)
	assert.Equal(t, []string{"one", "two"}, turns[2].texts)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "base", systemPrompt("base", nil))
	assert.Equal(t, "base\n\nextra", systemPrompt("base", []string{"extra"}))
}

func TestBedrockModel(t *testing.T) {
	assert.Equal(t, "us.anthropic.claude-sonnet-4-5-20250929-v1:0", string(bedrockModel("claude-sonnet-4-5-20250929")))
	assert.Equal(t, "custom", string(bedrockModel("custom")))
}

// capturedRequest is the part of a Messages API request the tests inspect.
type capturedRequest struct {
	Model  string `json:"model"`
	System []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

// fakeAnthropic replays canned Messages API responses in order.
type fakeAnthropic struct {
	mu        sync.Mutex
	responses []string
	requests  []capturedRequest
}

func (f *fakeAnthropic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
		http.NotFound(w, r)
		return
	}
	var req capturedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		http.Error(w, `{"type":"error","error":{"type":"invalid_request_error","message":"no more responses"}}`, http.StatusBadRequest)
		return
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

func messageJSON(stop string, content ...string) string {
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",` +
		`"content":[` + strings.Join(content, ",") + `],` +
		`"stop_reason":"` + stop + `","stop_sequence":null,` +
		`"usage":{"input_tokens":10,"output_tokens":5}}`
}

func textJSON(text string) string {
	data, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	return string(data)
}

func toolUseJSON(id, name, input string) string {
	return `{"type":"tool_use","id":"` + id + `","name":"` + name + `","input":` + input + `}`
}

func newTestProvider(t *testing.T, fake *fakeAnthropic) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := NewAnthropicProvider(context.Background(), Config{
		APIKey:       "test",
		DefaultModel: "claude-test",
		RequestOptions: []option.RequestOption{
			option.WithBaseURL(srv.URL),
			option.WithMaxRetries(0),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return p
}

func TestNewAnthropicProvider_RequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider(context.Background(), Config{})
	require.Error(t, err)
}

func TestGenerate(t *testing.T) {
	fake := &fakeAnthropic{responses: []string{messageJSON("end_turn", textJSON("sunny"), textJSON("22C"))}}
	p := newTestProvider(t, fake)

	out, err := p.Generate(context.Background(), "", "be a weather tool", "weather in Lisbon?")
	require.NoError(t, err)
	assert.Equal(t, "sunny\n22C", out)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "claude-test", fake.requests[0].Model)
	assert.Equal(t, "be a weather tool", fake.requests[0].System[0].Text)
	assert.Empty(t, fake.requests[0].Tools)
}

func TestRun_ToolsHandoffAndFinalMessage(t *testing.T) {
	var lookups int
	lookup := tools.Tool{
		Name: "lookup",
		Parameters: model.ToolParameters{
			Type:       "object",
			Properties: map[string]any{"id": map[string]any{"type": "integer"}},
			Required:   []string{"id"},
		},
		Handler: func(_ context.Context, args string) string {
			lookups++
			return `{"result":"order ` + args + `"}`
		},
	}
	billing := &agents.Agent{Name: "Billing", Instructions: "You handle billing.", Model: "claude-billing"}
	front := &agents.Agent{Name: "Front", Instructions: "You route.", Tools: []tools.Tool{lookup}, Handoffs: []*agents.Agent{billing}}

	fake := &fakeAnthropic{responses: []string{
		messageJSON("tool_use", toolUseJSON("t1", "lookup", `{"id":7}`)),
		messageJSON("tool_use", textJSON("Passing you on."), toolUseJSON("t2", "transfer_to_Billing", `{}`)),
		messageJSON("end_turn", textJSON("Refund issued.")),
	}}
	p := newTestProvider(t, fake)

	var events []RunEvent
	for ev, err := range p.Run(context.Background(), front, []model.Message{
		model.SystemMessage("Project rules."),
		model.UserMessage("Refund order 7"),
	}) {
		require.NoError(t, err)
		events = append(events, ev)
	}

	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []EventKind{
		ResponseCompleted, ToolCallOutput,
		ResponseCompleted, Handoff,
		ResponseCompleted, MessageOutput,
	}, kinds)

	assert.Equal(t, "lookup", events[0].Calls[0].Function.Name)
	assert.JSONEq(t, `{"id":7}`, events[0].Calls[0].Function.Arguments)
	assert.Equal(t, model.TokenUsage{Total: 15, Prompt: 10, Completion: 5}, events[0].Usage)
	assert.Equal(t, "t1", events[1].CallID)
	assert.Equal(t, `{"result":"order {"id":7}"}`, events[1].Output)
	assert.Equal(t, "Front", events[3].From)
	assert.Equal(t, "Billing", events[3].To)
	assert.Equal(t, []string{"Refund issued."}, events[5].Text)
	assert.Equal(t, 1, lookups)

	require.Len(t, fake.requests, 3)
	first := fake.requests[0]
	assert.Equal(t, "claude-test", first.Model)
	assert.Equal(t, "You route.\n\nProject rules.", first.System[0].Text)
	require.Len(t, first.Tools, 2)
	assert.Equal(t, "lookup", first.Tools[0].Name)
	assert.Equal(t, "transfer_to_Billing", first.Tools[1].Name)

	// After the hand-off the same run continues as Billing.
	last := fake.requests[2]
	assert.Equal(t, "claude-billing", last.Model)
	assert.Equal(t, "You handle billing.\n\nProject rules.", last.System[0].Text)
	assert.Empty(t, last.Tools)
	require.Len(t, last.Messages, 5)
	assert.Equal(t, "tool_result", last.Messages[4].Content[0]["type"])
}

func TestRun_UnknownToolAndTurnLimit(t *testing.T) {
	fake := &fakeAnthropic{responses: []string{
		messageJSON("tool_use", toolUseJSON("t1", "nope", `{}`)),
		messageJSON("tool_use", toolUseJSON("t2", "nope", `{}`)),
	}}
	p := newTestProvider(t, fake)
	p.maxTurns = 2

	var outputs []string
	for ev, err := range p.Run(context.Background(), &agents.Agent{Name: "A"}, []model.Message{model.UserMessage("go")}) {
		require.NoError(t, err)
		if ev.Kind == ToolCallOutput {
			outputs = append(outputs, ev.Output)
		}
	}
	require.Len(t, outputs, 2)
	assert.Contains(t, outputs[0], "unknown tool nope")
}

func TestRun_ProviderError(t *testing.T) {
	p := newTestProvider(t, &fakeAnthropic{})

	var gotErr error
	for _, err := range p.Run(context.Background(), &agents.Agent{Name: "A"}, []model.Message{model.UserMessage("go")}) {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "run agent A")
}

func TestRun_StopsWhenConsumerStops(t *testing.T) {
	fake := &fakeAnthropic{responses: []string{messageJSON("end_turn", textJSON("hi"))}}
	p := newTestProvider(t, fake)

	for ev := range p.Run(context.Background(), &agents.Agent{Name: "A"}, []model.Message{model.UserMessage("go")}) {
		assert.Equal(t, ResponseCompleted, ev.Kind)
		break
	}
	assert.Len(t, fake.requests, 1)
}
