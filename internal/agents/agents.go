// Package agents compiles a workflow's agent configs into a graph of runnable
// agents wired with tools and hand-off edges.
package agents

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/tools"
)

// Agent is the runtime form of a workflow agent. Agents are built fresh for
// every invocation and never shared between invocations.
type Agent struct {
	Name         string
	Description  string
	Instructions string
	Model        string
	Temperature  float64
	Visibility   model.Visibility
	Tools        []tools.Tool
	Handoffs     []*Agent
	Mentions     []Entity
}

// UserFacing reports whether the agent's messages may end a turn.
func (a *Agent) UserFacing() bool {
	return a.Visibility != model.VisibilityInternal
}

// ResponseType is the visibility tag for messages the agent authors.
func (a *Agent) ResponseType() model.ResponseType {
	if a.UserFacing() {
		return model.ResponseExternal
	}
	return model.ResponseInternal
}

// Tool returns the bound tool with the given name.
func (a *Agent) Tool(name string) (tools.Tool, bool) {
	for _, t := range a.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return tools.Tool{}, false
}

// Graph is the set of compiled agents of one workflow.
type Graph struct {
	agents map[string]*Agent
	order  []string
}

// Agent returns the agent with the given name.
func (g *Graph) Agent(name string) (*Agent, bool) {
	a, ok := g.agents[name]
	return a, ok
}

// Names returns agent names in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Options carries what Build needs beyond the workflow itself.
type Options struct {
	ProjectID    string
	DefaultModel string
	// Retriever backs the retrieval tool synthesized for agents with RAG
	// settings. Required only when such an agent exists.
	Retriever *tools.Retriever
	Logger    *slog.Logger
}

// Build compiles every agent of wf in two passes. The first pass composes
// instructions, resolves mentions and binds tools. The second wires hand-off
// edges, which may point at agents declared later.
func Build(wf model.Workflow, registry *tools.Registry, opts Options) (*Graph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ns := Namespace{
		Agents:  make(map[string]bool, len(wf.Agents)),
		Tools:   make(map[string]bool, len(wf.Tools)),
		Prompts: make(map[string]string, len(wf.Prompts)),
	}
	for _, a := range wf.Agents {
		ns.Agents[a.Name] = true
	}
	for _, t := range wf.Tools {
		ns.Tools[t.Name] = true
	}
	for _, name := range registry.Names() {
		ns.Tools[name] = true
	}
	for _, p := range wf.Prompts {
		ns.Prompts[p.Name] = p.Prompt
	}

	if err := checkToolNames(wf.Agents); err != nil {
		return nil, err
	}

	g := &Graph{agents: make(map[string]*Agent, len(wf.Agents))}
	for _, cfg := range wf.Agents {
		a, err := buildAgent(cfg, ns, registry, opts)
		if err != nil {
			return nil, err
		}
		g.agents[a.Name] = a
		g.order = append(g.order, a.Name)
	}

	for _, name := range g.order {
		a := g.agents[name]
		for _, e := range a.Mentions {
			if e.Kind != EntityAgent || e.Name == a.Name {
				continue
			}
			target, ok := g.agents[e.Name]
			if !ok {
				continue
			}
			a.Handoffs = append(a.Handoffs, target)
		}
		logger.Debug("agents: built agent", "agent", a.Name, "tools", len(a.Tools), "handoffs", len(a.Handoffs))
	}
	return g, nil
}

// checkToolNames rejects agents whose names sanitize to the same hand-off or
// retrieval tool name. The provider would see duplicate tools and every call
// would resolve to the first agent.
func checkToolNames(cfgs []model.WorkflowAgent) error {
	transfer := make(map[string]string, len(cfgs))
	rag := make(map[string]string, len(cfgs))
	for _, cfg := range cfgs {
		for _, c := range []struct {
			seen map[string]string
			tool string
		}{
			{transfer, TransferToolName(cfg.Name)},
			{rag, RAGToolName(cfg.Name)},
		} {
			if other, ok := c.seen[c.tool]; ok {
				return fmt.Errorf("%w: agents %q and %q both map to tool name %q",
					model.ErrInvalidConfig, other, cfg.Name, c.tool)
			}
			c.seen[c.tool] = cfg.Name
		}
	}
	return nil
}

func buildAgent(cfg model.WorkflowAgent, ns Namespace, registry *tools.Registry, opts Options) (*Agent, error) {
	instructions, mentions := ResolveMentions(composeInstructions(cfg), ns)

	a := &Agent{
		Name:        cfg.Name,
		Description: cfg.Description,
		Model:       cfg.Model,
		Temperature: 0,
		Visibility:  cfg.OutputVisibility,
		Mentions:    mentions,
	}
	if a.Model == "" {
		a.Model = opts.DefaultModel
	}
	if a.Visibility == "" {
		a.Visibility = model.VisibilityUserFacing
	}

	for _, e := range mentions {
		if e.Kind != EntityTool {
			continue
		}
		if t, ok := registry.Get(e.Name); ok {
			a.Tools = append(a.Tools, t)
		}
	}

	if cfg.RAG != nil {
		if len(cfg.RAG.DataSources) == 0 {
			return nil, fmt.Errorf("%w: agent %q: rag settings have no data sources", model.ErrInvalidConfig, cfg.Name)
		}
		if opts.Retriever == nil {
			return nil, fmt.Errorf("%w: agent %q: retrieval is not configured", model.ErrInvalidConfig, cfg.Name)
		}
		name := RAGToolName(cfg.Name)
		a.Tools = append(a.Tools, tools.NewRAGTool(name,
			"Search the knowledge base for information relevant to the query.",
			opts.ProjectID, *cfg.RAG, opts.Retriever))
		instructions += fmt.Sprintf(ragInstructions, name)
	}

	a.Instructions = instructions
	return a, nil
}

// RAGToolName is the name of the retrieval tool synthesized for an agent.
func RAGToolName(agent string) string {
	return truncate("rag_search_" + SafeName(agent))
}

const transferInstructions = `

## Working with other agents
You may be one of several agents. Agents named in your instructions can be
reached with their transfer tools; call one to hand the conversation over.
Transfer only when another agent is better suited to the request. Never
mention transfers or other agents to the user.`

const ragInstructions = `

## Knowledge base
Before answering questions that depend on project documents, call the %s
tool with a focused query and ground your answer in what it returns. If it
returns nothing relevant, say that you could not find the information.`

func composeInstructions(cfg model.WorkflowAgent) string {
	var b strings.Builder
	b.WriteString("## Role\n")
	fmt.Fprintf(&b, "You are an agent named %s.", cfg.Name)
	if cfg.Description != "" {
		fmt.Fprintf(&b, " %s", cfg.Description)
	}
	b.WriteString("\n\n## Instructions\n")
	b.WriteString(cfg.Instructions)
	if cfg.Examples != "" {
		b.WriteString("\n\n## Examples\n")
		b.WriteString(cfg.Examples)
	}
	b.WriteString(transferInstructions)
	return b.String()
}
