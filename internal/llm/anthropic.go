package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ashita-ai/tsunagi/internal/agents"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// DefaultMaxTurns bounds the number of model calls in a single Run.
const DefaultMaxTurns = 10

// Config configures an AnthropicProvider.
type Config struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int64
	MaxTurns     int

	UseBedrock bool
	AWSRegion  string
	AWSProfile string

	// RequestOptions are appended to the client options, e.g. a base URL.
	RequestOptions []option.RequestOption
	Logger         *slog.Logger
}

// AnthropicProvider implements Runner and Generator on the Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
	maxTurns     int
	bedrock      bool
	logger       *slog.Logger
}

// NewAnthropicProvider creates a provider talking to the Anthropic API
// directly, or through AWS Bedrock when cfg.UseBedrock is set.
func NewAnthropicProvider(ctx context.Context, cfg Config) (*AnthropicProvider, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic api key is required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	opts = append(opts, cfg.RequestOptions...)

	p := &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		maxTurns:     cfg.MaxTurns,
		bedrock:      cfg.UseBedrock,
		logger:       cfg.Logger,
	}
	if p.defaultModel == "" {
		p.defaultModel = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}
	if p.maxTokens <= 0 {
		p.maxTokens = 4096
	}
	if p.maxTurns <= 0 {
		p.maxTurns = DefaultMaxTurns
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// model resolves the model id for a request, translating it to a Bedrock
// inference profile when needed.
func (p *AnthropicProvider) model(name string) anthropic.Model {
	if name == "" {
		name = p.defaultModel
	}
	m := anthropic.Model(name)
	if p.bedrock {
		return bedrockModel(m)
	}
	return m
}

// bedrockModel maps Anthropic model names to cross-region inference profiles.
func bedrockModel(m anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if profile, ok := profiles[m]; ok {
		return anthropic.Model(profile)
	}
	return m
}

// Generate makes one tool-free call and returns the response text.
func (p *AnthropicProvider) Generate(ctx context.Context, modelName, instructions, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     p.model(modelName),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	return strings.Join(textSegments(resp), "\n"), nil
}

// Run drives agent through the tool loop. Transfer tools hand the remaining
// loop to the target agent; other tools run through their bound handlers.
func (p *AnthropicProvider) Run(ctx context.Context, agent *agents.Agent, input []model.Message) iter.Seq2[RunEvent, error] {
	return func(yield func(RunEvent, error) bool) {
		current := agent
		extra, turns := convertTranscript(input)
		messages := toMessageParams(turns)

		for range p.maxTurns {
			resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
				Model:       p.model(current.Model),
				MaxTokens:   p.maxTokens,
				Temperature: anthropic.Float(current.Temperature),
				System:      []anthropic.TextBlockParam{{Text: systemPrompt(current.Instructions, extra)}},
				Messages:    messages,
				Tools:       toolParams(current),
			})
			if err != nil {
				yield(RunEvent{}, fmt.Errorf("llm: run agent %s: %w", current.Name, err))
				return
			}

			var (
				uses            []anthropic.ToolUseBlock
				assistantBlocks []anthropic.ContentBlockParamUnion
			)
			for _, block := range resp.Content {
				switch v := block.AsAny().(type) {
				case anthropic.TextBlock:
					if v.Text != "" {
						assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(v.Text))
					}
				case anthropic.ToolUseBlock:
					uses = append(uses, v)
					assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(v.ID, v.Input, v.Name))
				}
			}

			calls := make([]model.ToolCall, 0, len(uses))
			for _, u := range uses {
				calls = append(calls, model.ToolCall{
					ID:       u.ID,
					Type:     model.ToolCallType,
					Function: model.FunctionCall{Name: u.Name, Arguments: string(u.Input)},
				})
			}
			usage := model.TokenUsage{
				Prompt:     resp.Usage.InputTokens,
				Completion: resp.Usage.OutputTokens,
			}
			usage.Total = usage.Prompt + usage.Completion
			if !yield(RunEvent{Kind: ResponseCompleted, Calls: calls, Usage: usage}, nil) {
				return
			}

			if len(uses) == 0 {
				yield(RunEvent{Kind: MessageOutput, Text: textSegments(resp)}, nil)
				return
			}

			var (
				results []anthropic.ContentBlockParamUnion
				next    *agents.Agent
			)
			for _, u := range uses {
				if target := transferTarget(current, u.Name); target != nil {
					if next != nil {
						results = append(results, anthropic.NewToolResultBlock(u.ID, `{"error":"a transfer is already in progress"}`, true))
						continue
					}
					next = target
					if !yield(RunEvent{Kind: Handoff, From: current.Name, To: target.Name}, nil) {
						return
					}
					results = append(results, anthropic.NewToolResultBlock(u.ID, transferResult(target.Name), false))
					continue
				}

				out := p.callTool(ctx, current, u)
				if !yield(RunEvent{Kind: ToolCallOutput, CallID: u.ID, ToolName: u.Name, Output: out}, nil) {
					return
				}
				results = append(results, anthropic.NewToolResultBlock(u.ID, out, false))
			}

			messages = append(messages,
				anthropic.NewAssistantMessage(assistantBlocks...),
				anthropic.NewUserMessage(results...),
			)
			if next != nil {
				current = next
			}
		}
		p.logger.Warn("llm: run ended at turn limit", "agent", current.Name, "max_turns", p.maxTurns)
	}
}

func (p *AnthropicProvider) callTool(ctx context.Context, agent *agents.Agent, use anthropic.ToolUseBlock) string {
	tool, ok := agent.Tool(use.Name)
	if !ok {
		p.logger.Warn("llm: model called unknown tool", "agent", agent.Name, "tool", use.Name)
		data, _ := json.Marshal(map[string]string{"error": "unknown tool " + use.Name})
		return string(data)
	}
	return tool.Handler(ctx, string(use.Input))
}

// transferTarget returns the hand-off target named by a transfer tool call.
func transferTarget(agent *agents.Agent, toolName string) *agents.Agent {
	if !strings.HasPrefix(toolName, agents.TransferPrefix) {
		return nil
	}
	for _, h := range agent.Handoffs {
		if agents.TransferToolName(h.Name) == toolName {
			return h
		}
	}
	return nil
}

func transferResult(target string) string {
	data, _ := json.Marshal(map[string]string{"assistant": target})
	return string(data)
}

func toolParams(agent *agents.Agent) []anthropic.ToolUnionParam {
	if len(agent.Tools)+len(agent.Handoffs) == 0 {
		return nil
	}
	params := make([]anthropic.ToolUnionParam, 0, len(agent.Tools)+len(agent.Handoffs))
	for _, t := range agent.Tools {
		props := t.Parameters.Properties
		if props == nil {
			props = map[string]any{}
		}
		tp := &anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   t.Parameters.Required,
			},
		}
		if t.Description != "" {
			tp.Description = anthropic.String(t.Description)
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: tp})
	}
	for _, h := range agent.Handoffs {
		desc := "Hand the conversation to the agent " + h.Name + "."
		if h.Description != "" {
			desc += " " + h.Description
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        agents.TransferToolName(h.Name),
			Description: anthropic.String(desc),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]any{}},
		}})
	}
	return params
}

func toMessageParams(turns []turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.texts))
		for _, text := range t.texts {
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
		if t.role == roleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func textSegments(resp *anthropic.Message) []string {
	var segments []string
	for _, block := range resp.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok && v.Text != "" {
			segments = append(segments, v.Text)
		}
	}
	return segments
}
