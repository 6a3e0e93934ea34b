// Package tools compiles declarative tool configs into callable handlers
// bound to one project.
//
// Handlers never fail: any error from the underlying collaborator is turned
// into a {"error": "..."} JSON payload that the calling agent receives as the
// tool result.
package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// ErrNoActiveAccount is reported when a toolkit tool needs a connected
// account and the project has none in the ACTIVE state.
var ErrNoActiveAccount = errors.New("no active connected account")

// Handler executes a tool call. arguments is the JSON-encoded argument object
// produced by the model; the result is the JSON-encoded tool output.
type Handler func(ctx context.Context, arguments string) string

// Tool is a callable tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  model.ToolParameters
	Handler     Handler
}

// Registry holds the tools of one invocation in declaration order.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry returns a registry holding the given tools. A later tool
// replaces an earlier one of the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.add(t)
	}
	return r
}

func (r *Registry) add(t Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Collaborator contracts. The storage, search, embedding, llm, mcp and
// composio packages provide the concrete implementations.
type (
	Embedder interface {
		Embed(ctx context.Context, text string) (pgvector.Vector, error)
	}

	ChunkSearcher interface {
		SearchChunks(ctx context.Context, projectID string, sourceIDs []string, embedding []float32, limit int) ([]model.Chunk, error)
	}

	SourceStore interface {
		ActiveSourceIDs(ctx context.Context, projectID string, ids []string) ([]string, error)
	}

	DocumentStore interface {
		FindDocsByIDs(ctx context.Context, projectID string, ids []string) ([]model.Document, error)
	}

	AccountStore interface {
		GetConnectedAccount(ctx context.Context, projectID, toolkitSlug string) (model.ConnectedAccount, error)
	}

	TextGenerator interface {
		Generate(ctx context.Context, model, instructions, prompt string) (string, error)
	}

	MCPCaller interface {
		CallTool(ctx context.Context, serverURL, serverName, toolName string, args map[string]any) (string, error)
	}

	ToolkitExecutor interface {
		ExecuteTool(ctx context.Context, toolSlug string, req composio.ExecuteRequest) (json.RawMessage, error)
	}
)

type resultPayload struct {
	Result any `json:"result"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func resultJSON(v any) string {
	data, err := json.Marshal(resultPayload{Result: v})
	if err != nil {
		return errorJSON(err)
	}
	return string(data)
}

func errorJSON(err error) string {
	data, _ := json.Marshal(errorPayload{Error: err.Error()})
	return string(data)
}

// parseArguments decodes a JSON argument object. Empty input is an empty object.
func parseArguments(arguments string) (map[string]any, error) {
	args := map[string]any{}
	if arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}
