package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Deps are the collaborators tool handlers call into. A nil collaborator
// makes every tool that needs it a configuration error.
type Deps struct {
	Retriever *Retriever
	Generator TextGenerator
	MockModel string
	MCP       MCPCaller
	Toolkits  ToolkitExecutor
	Accounts  AccountStore

	// AllowPrivateHosts permits MCP servers on loopback or private networks.
	AllowPrivateHosts bool
	Logger            *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// BuildRegistry compiles tool configs for projectID. Tools with no usable
// marker are skipped with a warning; broken RAG, MCP or toolkit configs fail
// the whole build with model.ErrInvalidConfig.
func BuildRegistry(projectID string, configs []model.WorkflowTool, deps Deps) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range configs {
		if cfg.Name == "" {
			deps.logger().Warn("tools: skipping unnamed tool")
			continue
		}

		var (
			tool Tool
			err  error
		)
		switch kind := cfg.Kind(); kind {
		case model.ToolKindRAG:
			tool, err = buildRAG(projectID, cfg, deps)
		case model.ToolKindMock:
			tool, err = buildMock(cfg, deps)
		case model.ToolKindMCP:
			tool, err = buildMCP(cfg, deps)
		case model.ToolKindToolkit:
			tool, err = buildToolkit(projectID, cfg, deps)
		default:
			deps.logger().Warn("tools: skipping unsupported tool", "tool", cfg.Name, "project_id", projectID)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.add(tool)
	}
	return r, nil
}

func configError(tool, format string, args ...any) error {
	return fmt.Errorf("%w: tool %q: %s", model.ErrInvalidConfig, tool, fmt.Sprintf(format, args...))
}

func buildRAG(projectID string, cfg model.WorkflowTool, deps Deps) (Tool, error) {
	if len(cfg.RAG.DataSources) == 0 {
		return Tool{}, configError(cfg.Name, "rag tool has no data sources")
	}
	if deps.Retriever == nil {
		return Tool{}, configError(cfg.Name, "retrieval is not configured")
	}
	return NewRAGTool(cfg.Name, cfg.Description, projectID, *cfg.RAG, deps.Retriever), nil
}

func buildMock(cfg model.WorkflowTool, deps Deps) (Tool, error) {
	if deps.Generator == nil {
		return Tool{}, configError(cfg.Name, "text generation is not configured")
	}
	instructions := "You are simulating a tool for testing an AI assistant. " +
		"Respond only with the output the real tool would plausibly return, no commentary."
	return Tool{
		Name:        cfg.Name,
		Description: cfg.Description,
		Parameters:  cfg.Parameters,
		Handler: func(ctx context.Context, arguments string) string {
			prompt := fmt.Sprintf("Tool name: %s\nTool description: %s\nInstructions: %s\nInput arguments: %s",
				cfg.Name, cfg.Description, cfg.MockInstructions, arguments)
			out, err := deps.Generator.Generate(ctx, deps.MockModel, instructions, prompt)
			if err != nil {
				return errorJSON(err)
			}
			return resultJSON(out)
		},
	}, nil
}

func buildMCP(cfg model.WorkflowTool, deps Deps) (Tool, error) {
	if deps.MCP == nil {
		return Tool{}, configError(cfg.Name, "mcp client is not configured")
	}
	if err := model.ValidateServerURL(cfg.MCPServerURL, deps.AllowPrivateHosts); err != nil {
		return Tool{}, configError(cfg.Name, "mcp server url: %v", err)
	}
	return Tool{
		Name:        cfg.Name,
		Description: cfg.Description,
		Parameters:  cfg.Parameters,
		Handler: func(ctx context.Context, arguments string) string {
			args, err := parseArguments(arguments)
			if err != nil {
				return errorJSON(fmt.Errorf("invalid arguments: %w", err))
			}
			out, err := deps.MCP.CallTool(ctx, cfg.MCPServerURL, cfg.MCPServerName, cfg.Name, args)
			if err != nil {
				return errorJSON(err)
			}
			return resultJSON(out)
		},
	}, nil
}

func buildToolkit(projectID string, cfg model.WorkflowTool, deps Deps) (Tool, error) {
	tk := cfg.Toolkit
	if tk == nil || tk.ToolkitSlug == "" || tk.ToolSlug == "" {
		return Tool{}, configError(cfg.Name, "toolkit tool is missing toolkit_slug or tool_slug")
	}
	if deps.Toolkits == nil {
		return Tool{}, configError(cfg.Name, "toolkit executor is not configured")
	}
	if !tk.NoAuth && deps.Accounts == nil {
		return Tool{}, configError(cfg.Name, "account store is not configured")
	}
	return Tool{
		Name:        cfg.Name,
		Description: cfg.Description,
		Parameters:  cfg.Parameters,
		Handler: func(ctx context.Context, arguments string) string {
			args, err := parseArguments(arguments)
			if err != nil {
				return errorJSON(fmt.Errorf("invalid arguments: %w", err))
			}
			req := composio.ExecuteRequest{UserID: projectID, Arguments: args}
			if !tk.NoAuth {
				acct, err := deps.Accounts.GetConnectedAccount(ctx, projectID, tk.ToolkitSlug)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					return errorJSON(fmt.Errorf("%w for toolkit %s", ErrNoActiveAccount, tk.ToolkitSlug))
				case err != nil:
					return errorJSON(err)
				case acct.Status != model.AccountActive:
					return errorJSON(fmt.Errorf("%w for toolkit %s (status %s)", ErrNoActiveAccount, tk.ToolkitSlug, acct.Status))
				}
				req.ConnectedAccountID = acct.AccountID
			}
			data, err := deps.Toolkits.ExecuteTool(ctx, tk.ToolSlug, req)
			if err != nil {
				return errorJSON(err)
			}
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			return resultJSON(data)
		},
	}, nil
}
