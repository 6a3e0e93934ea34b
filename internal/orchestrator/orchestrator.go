// Package orchestrator drives a multi-agent conversation turn: it picks the
// active agent, runs it through the completion provider, turns the
// provider's events into transcript messages, routes control along hand-offs
// and the call stack, and reports token usage.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/agents"
	"github.com/ashita-ai/tsunagi/internal/llm"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/tools"
)

var (
	// ErrHandoffLimit is returned when a turn needs more hand-offs than
	// Config.MaxHandoffs allows, typically because agents keep passing
	// control around without a user-facing agent ever answering.
	ErrHandoffLimit = errors.New("orchestrator: hand-off limit exceeded")

	// ErrIterationLimit is returned when a turn runs agents more than
	// Config.MaxIterations times.
	ErrIterationLimit = errors.New("orchestrator: iteration limit exceeded")
)

// TransferToolName is the name of the synthetic call recorded for every hand-off.
const TransferToolName = "transfer_to_agent"

// Defaults applied by New.
const (
	DefaultMaxHandoffs   = 25
	DefaultMaxIterations = 50
	DefaultGreeting      = "How can I help you today?"
)

// Config configures an Orchestrator.
type Config struct {
	// Runner runs agents. Required.
	Runner llm.Runner
	// Tools are the collaborators tool handlers are bound to.
	Tools tools.Deps

	DefaultModel  string
	MaxHandoffs   int
	MaxIterations int
	// Greeting is sent for an empty conversation when the workflow has no
	// greeting prompt.
	Greeting string
	Policy   ReturnPolicy
	Logger   *slog.Logger
}

// Orchestrator runs conversation turns. It holds no per-turn state and is
// safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	inst   instruments
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("orchestrator: runner is required")
	}
	if cfg.MaxHandoffs <= 0 {
		cfg.MaxHandoffs = DefaultMaxHandoffs
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.Policy == nil {
		cfg.Policy = PopCaller{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tools.Logger == nil {
		cfg.Tools.Logger = logger
	}
	return &Orchestrator{cfg: cfg, logger: logger, inst: newInstruments()}, nil
}

// Params are the inputs of one turn.
type Params struct {
	Workflow     model.Workflow
	ProjectTools []model.WorkflowTool
	Messages     []model.Message
}

// StreamResponse runs one turn and streams its events. See Turn.Events.
func (o *Orchestrator) StreamResponse(ctx context.Context, p Params) iter.Seq2[model.Event, error] {
	return o.NewTurn(p).Events(ctx)
}

// Turn is the state of one invocation. Its accessors are meaningful once
// Events has been fully consumed.
type Turn struct {
	o        *Orchestrator
	params   Params
	messages []model.Message

	graph     *agents.Graph
	stack     CallStack
	usage     UsageTracker
	transfers TransferCounter
	handoffs  int
	active    *agents.Agent
}

// NewTurn prepares a turn without running it.
func (o *Orchestrator) NewTurn(p Params) *Turn {
	return &Turn{o: o, params: p}
}

// Transcript returns the transcript including every message the turn appended.
func (t *Turn) Transcript() []model.Message { return t.messages }

// Usage returns the tokens consumed so far.
func (t *Turn) Usage() model.TokenUsage { return t.usage.Snapshot() }

// Transfers returns hand-off counts keyed by "from:to".
func (t *Turn) Transfers() map[string]int { return t.transfers.Snapshot() }

// Events runs the turn. Messages are yielded in the order they are appended
// to the transcript; a successful turn ends with exactly one usage event. On
// error the sequence yields the error once and stops, without a usage event.
// A turn may be consumed only once.
func (t *Turn) Events(ctx context.Context) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		start := time.Now()
		t.messages = model.EnsureSystemMessage(slices.Clone(t.params.Messages))

		if len(t.messages) == 1 {
			t.greet(yield)
			return
		}

		if err := t.run(ctx, yield); err != nil {
			if !errors.Is(err, errStopped) {
				yield(model.Event{}, err)
			}
			return
		}

		usage := t.usage.Snapshot()
		t.o.recordTurn(ctx, t.params.Workflow, usage, time.Since(start))
		t.o.logger.Info("orchestrator: turn complete",
			"project_id", t.params.Workflow.ProjectID,
			"agent", t.active.Name,
			"transfers", t.transfers.Total(),
			"total_tokens", usage.Total,
		)
		yield(model.TokensEvent(usage), nil)
	}
}

// errStopped signals that the consumer stopped iterating.
var errStopped = errors.New("orchestrator: consumer stopped")

// greet answers an empty conversation without building any agent.
func (t *Turn) greet(yield func(model.Event, error) bool) {
	wf := t.params.Workflow
	text, ok := wf.Greeting()
	if !ok {
		text = t.o.cfg.Greeting
	}
	msg := model.AssistantMessage(wf.StartAgent, text, model.ResponseExternal)
	t.messages = append(t.messages, msg)
	if !yield(model.MessageEvent(msg), nil) {
		return
	}
	yield(model.TokensEvent(model.TokenUsage{}), nil)
}

func (t *Turn) build() error {
	wf := t.params.Workflow
	if err := wf.Validate(); err != nil {
		return err
	}
	cfg := t.o.cfg

	registry, err := tools.BuildRegistry(wf.ProjectID, model.MergeTools(wf.Tools, t.params.ProjectTools), cfg.Tools)
	if err != nil {
		return err
	}
	graph, err := agents.Build(wf, registry, agents.Options{
		ProjectID:    wf.ProjectID,
		DefaultModel: cfg.DefaultModel,
		Retriever:    cfg.Tools.Retriever,
		Logger:       t.o.logger,
	})
	if err != nil {
		return err
	}
	t.graph = graph
	return nil
}

func (t *Turn) agent(name string) (*agents.Agent, error) {
	a, ok := t.graph.Agent(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownAgent, name)
	}
	return a, nil
}

func (t *Turn) run(ctx context.Context, yield func(model.Event, error) bool) error {
	if err := t.build(); err != nil {
		return err
	}

	t.stack = BuildCallStack(t.messages)
	startAgent := t.params.Workflow.StartAgent
	name := t.stack.popOr(startAgent)

	for iteration := 0; ; iteration++ {
		if iteration >= t.o.cfg.MaxIterations {
			return fmt.Errorf("%w: %d agent runs", ErrIterationLimit, iteration)
		}
		a, err := t.agent(name)
		if err != nil {
			return err
		}
		t.active = a

		reentered, err := t.runAgent(ctx, yield)
		if err != nil {
			return err
		}
		if reentered {
			name = t.active.Name
			continue
		}

		if t.complete() {
			return nil
		}
		name = t.active.Name
	}
}

// complete reports whether the turn is over: the last message is text from
// the active agent and that agent is user facing.
func (t *Turn) complete() bool {
	last := t.messages[len(t.messages)-1]
	return t.active.UserFacing() &&
		last.Role == model.RoleAssistant &&
		last.Content != nil &&
		last.AgentName == t.active.Name
}

// runAgent consumes one provider stream for the active agent. It reports
// whether an internal agent spoke and control was handed back, in which case
// the rest of the stream is abandoned.
func (t *Turn) runAgent(ctx context.Context, yield func(model.Event, error) bool) (bool, error) {
	ctx, span := t.o.inst.tracer.Start(ctx, "orchestrator.agent_run",
		trace.WithAttributes(attribute.String("agent", t.active.Name)))
	defer span.End()

	t.o.logger.Debug("orchestrator: running agent", "agent", t.active.Name, "stack_depth", len(t.stack))

	emit := func(m model.Message) error {
		t.messages = append(t.messages, m)
		if !yield(model.MessageEvent(m), nil) {
			return errStopped
		}
		return nil
	}

	for ev, err := range t.o.cfg.Runner.Run(ctx, t.active, t.messages) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}

		switch ev.Kind {
		case llm.ResponseCompleted:
			for _, call := range ev.Calls {
				if strings.HasPrefix(call.Function.Name, agents.TransferPrefix) {
					continue
				}
				if err := emit(model.ToolCallMessage(t.active.Name, call)); err != nil {
					return false, err
				}
			}
			t.usage.Add(ev.Usage)

		case llm.Handoff:
			if ev.To == t.active.Name {
				continue
			}
			target, err := t.agent(ev.To)
			if err != nil {
				return false, err
			}
			if err := t.transfer(ctx, target, emit); err != nil {
				return false, err
			}

		case llm.ToolCallOutput:
			if err := emit(model.ToolResultMessage(ev.CallID, ev.ToolName, ev.Output)); err != nil {
				return false, err
			}

		case llm.MessageOutput:
			for _, text := range ev.Text {
				if err := emit(model.AssistantMessage(t.active.Name, text, t.active.ResponseType())); err != nil {
					return false, err
				}
			}
			if t.active.UserFacing() {
				continue
			}
			// An internal agent hands back after every response, even one
			// without text.
			next, err := t.agent(t.o.cfg.Policy.Next(&t.stack, t.params.Workflow.StartAgent))
			if err != nil {
				return false, err
			}
			// An internal agent that is its own caller (e.g. an internal start
			// agent with an empty stack) is re-run without a transfer pair.
			// Nothing can end that turn, so it fails with ErrIterationLimit.
			if next != t.active {
				if err := t.transfer(ctx, next, emit); err != nil {
					return false, err
				}
			}
			return true, nil
		}
	}
	return false, nil
}

// transfer records a hand-off from the active agent to target and makes
// target active.
func (t *Turn) transfer(ctx context.Context, target *agents.Agent, emit func(model.Message) error) error {
	from := t.active.Name
	if t.handoffs >= t.o.cfg.MaxHandoffs {
		return fmt.Errorf("%w: %d hand-offs, last %s -> %s", ErrHandoffLimit, t.handoffs, from, target.Name)
	}
	t.handoffs++

	args, _ := json.Marshal(map[string]string{"assistant": target.Name})
	call := model.ToolCall{
		ID:       "call_" + uuid.NewString(),
		Type:     model.ToolCallType,
		Function: model.FunctionCall{Name: TransferToolName, Arguments: string(args)},
	}
	if err := emit(model.ToolCallMessage(from, call)); err != nil {
		return err
	}
	if err := emit(model.ToolResultMessage(call.ID, TransferToolName, string(args))); err != nil {
		return err
	}

	t.transfers.Increment(from, target.Name)
	t.o.inst.transfers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", target.Name),
	))
	t.stack.Push(from)
	t.active = target
	t.o.logger.Debug("orchestrator: hand-off", "from", from, "to", target.Name)
	return nil
}

func (o *Orchestrator) recordTurn(ctx context.Context, wf model.Workflow, usage model.TokenUsage, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("workflow", wf.Name))
	o.inst.turns.Add(ctx, 1, attrs)
	o.inst.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	o.inst.tokens.Add(ctx, usage.Prompt, metric.WithAttributes(attribute.String("kind", "prompt")))
	o.inst.tokens.Add(ctx, usage.Completion, metric.WithAttributes(attribute.String("kind", "completion")))
}
