package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Visibility controls whether an agent's text reaches the end user.
type Visibility string

const (
	VisibilityUserFacing Visibility = "user_facing"
	VisibilityInternal   Visibility = "internal"
)

// RAGReturnType selects what a retrieval tool returns.
type RAGReturnType string

const (
	RAGReturnChunks  RAGReturnType = "chunks"
	RAGReturnContent RAGReturnType = "content"
)

// DefaultRAGK is the result count when a RAG config leaves k unset.
const DefaultRAGK = 3

// PromptType classifies workflow prompts.
type PromptType string

const (
	PromptBase     PromptType = "base_prompt"
	PromptGreeting PromptType = "greeting"
	PromptStyle    PromptType = "style_prompt"
)

// Workflow is the immutable per-invocation configuration of an agent graph.
type Workflow struct {
	ProjectID  string           `json:"project_id" yaml:"project_id"`
	Name       string           `json:"name" yaml:"name"`
	StartAgent string           `json:"start_agent" yaml:"start_agent"`
	Agents     []WorkflowAgent  `json:"agents" yaml:"agents"`
	Tools      []WorkflowTool   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Prompts    []WorkflowPrompt `json:"prompts,omitempty" yaml:"prompts,omitempty"`
}

// WorkflowAgent is the declarative form of an agent.
type WorkflowAgent struct {
	Name             string       `json:"name" yaml:"name"`
	Description      string       `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions     string       `json:"instructions" yaml:"instructions"`
	Examples         string       `json:"examples,omitempty" yaml:"examples,omitempty"`
	Model            string       `json:"model,omitempty" yaml:"model,omitempty"`
	OutputVisibility Visibility   `json:"output_visibility,omitempty" yaml:"output_visibility,omitempty"`
	RAG              *RAGSettings `json:"rag,omitempty" yaml:"rag,omitempty"`
}

// UserFacing reports whether the agent may end a turn. Agents without an
// explicit visibility are user facing.
func (a WorkflowAgent) UserFacing() bool {
	return a.OutputVisibility != VisibilityInternal
}

// RAGSettings configures retrieval for an agent or a RAG tool.
type RAGSettings struct {
	DataSources []string      `json:"data_sources" yaml:"data_sources"`
	ReturnType  RAGReturnType `json:"return_type,omitempty" yaml:"return_type,omitempty"`
	K           int           `json:"k,omitempty" yaml:"k,omitempty"`
}

// Limit returns K, or DefaultRAGK when K is unset.
func (r RAGSettings) Limit() int {
	if r.K <= 0 {
		return DefaultRAGK
	}
	return r.K
}

// ToolKind is the exclusive marker carried by a WorkflowTool.
type ToolKind string

const (
	ToolKindRAG         ToolKind = "rag"
	ToolKindMock        ToolKind = "mock"
	ToolKindMCP         ToolKind = "mcp"
	ToolKindToolkit     ToolKind = "toolkit"
	ToolKindUnsupported ToolKind = "unsupported"
)

// WorkflowTool is the declarative form of a tool. Exactly one of the marker
// groups (RAG, MockTool, IsMCP, IsToolkit) must be set.
type WorkflowTool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  ToolParameters `json:"parameters" yaml:"parameters"`

	RAG *RAGSettings `json:"rag,omitempty" yaml:"rag,omitempty"`

	MockTool         bool   `json:"mock_tool,omitempty" yaml:"mock_tool,omitempty"`
	MockInstructions string `json:"mock_instructions,omitempty" yaml:"mock_instructions,omitempty"`

	IsMCP         bool   `json:"is_mcp,omitempty" yaml:"is_mcp,omitempty"`
	MCPServerName string `json:"mcp_server_name,omitempty" yaml:"mcp_server_name,omitempty"`
	MCPServerURL  string `json:"mcp_server_url,omitempty" yaml:"mcp_server_url,omitempty"`

	IsToolkit bool             `json:"is_toolkit,omitempty" yaml:"is_toolkit,omitempty"`
	Toolkit   *ToolkitSettings `json:"toolkit,omitempty" yaml:"toolkit,omitempty"`
}

// ToolkitSettings is the auth metadata of a third-party toolkit tool.
type ToolkitSettings struct {
	ToolkitSlug string `json:"toolkit_slug" yaml:"toolkit_slug"`
	ToolSlug    string `json:"tool_slug" yaml:"tool_slug"`
	NoAuth      bool   `json:"no_auth,omitempty" yaml:"no_auth,omitempty"`
}

// ToolParameters is a JSON-schema object describing tool arguments.
type ToolParameters struct {
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`
	Required   []string       `json:"required,omitempty" yaml:"required,omitempty"`
}

// Kind returns the tool's marker, or ToolKindUnsupported when none or more
// than one marker is set.
func (t WorkflowTool) Kind() ToolKind {
	var kinds []ToolKind
	if t.RAG != nil {
		kinds = append(kinds, ToolKindRAG)
	}
	if t.MockTool {
		kinds = append(kinds, ToolKindMock)
	}
	if t.IsMCP {
		kinds = append(kinds, ToolKindMCP)
	}
	if t.IsToolkit {
		kinds = append(kinds, ToolKindToolkit)
	}
	if len(kinds) != 1 {
		return ToolKindUnsupported
	}
	return kinds[0]
}

// WorkflowPrompt is a named reusable text block.
type WorkflowPrompt struct {
	Name   string     `json:"name" yaml:"name"`
	Type   PromptType `json:"type" yaml:"type"`
	Prompt string     `json:"prompt" yaml:"prompt"`
}

// Agent returns the agent config with the given name.
func (w Workflow) Agent(name string) (WorkflowAgent, bool) {
	for _, a := range w.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return WorkflowAgent{}, false
}

// Greeting returns the first greeting prompt, if the workflow defines one.
func (w Workflow) Greeting() (string, bool) {
	for _, p := range w.Prompts {
		if p.Type == PromptGreeting && p.Prompt != "" {
			return p.Prompt, true
		}
	}
	return "", false
}

// Validate checks the structural requirements of a workflow: a start agent
// that exists and unique agent names.
func (w Workflow) Validate() error {
	if len(w.Agents) == 0 {
		return fmt.Errorf("%w: workflow has no agents", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(w.Agents))
	for _, a := range w.Agents {
		if a.Name == "" {
			return fmt.Errorf("%w: agent name is required", ErrInvalidConfig)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate agent name %q", ErrInvalidConfig, a.Name)
		}
		seen[a.Name] = true
	}
	if !seen[w.StartAgent] {
		return fmt.Errorf("%w: start agent %q is not defined", ErrInvalidConfig, w.StartAgent)
	}
	return nil
}

// MergeTools combines workflow tools with project-level tools keyed by name.
// Later entries win, so a project tool replaces a workflow tool of the same
// name. The position of the first occurrence is kept.
func MergeTools(workflowTools, projectTools []WorkflowTool) []WorkflowTool {
	index := make(map[string]int, len(workflowTools)+len(projectTools))
	merged := make([]WorkflowTool, 0, len(workflowTools)+len(projectTools))
	for _, group := range [][]WorkflowTool{workflowTools, projectTools} {
		for _, t := range group {
			if i, ok := index[t.Name]; ok {
				merged[i] = t
				continue
			}
			index[t.Name] = len(merged)
			merged = append(merged, t)
		}
	}
	return merged
}

// LoadWorkflow reads a workflow definition from a YAML (or JSON) file.
func LoadWorkflow(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, fmt.Errorf("read workflow: %w", err)
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return Workflow{}, err
	}
	return w, nil
}
