package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	f.calls++
	return pgvector.NewVector([]float32{1, 0}), nil
}

type fakeSearcher struct {
	gotSources []string
	gotLimit   int
	chunks     []model.Chunk
}

func (f *fakeSearcher) SearchChunks(_ context.Context, _ string, sourceIDs []string, _ []float32, limit int) ([]model.Chunk, error) {
	f.gotSources, f.gotLimit = sourceIDs, limit
	return f.chunks, nil
}

type fakeSources struct{ active map[string]bool }

func (f fakeSources) ActiveSourceIDs(_ context.Context, _ string, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if f.active[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeDocs struct{ docs []model.Document }

func (f fakeDocs) FindDocsByIDs(_ context.Context, _ string, ids []string) ([]model.Document, error) {
	var out []model.Document
	for _, id := range ids {
		for _, d := range f.docs {
			if d.ID == id {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

type fakeGenerator struct {
	out string
	err error
}

func (f fakeGenerator) Generate(_ context.Context, _, _, _ string) (string, error) {
	return f.out, f.err
}

type fakeMCP struct {
	gotURL  string
	gotArgs map[string]any
	out     string
	err     error
}

func (f *fakeMCP) CallTool(_ context.Context, url, _, _ string, args map[string]any) (string, error) {
	f.gotURL, f.gotArgs = url, args
	return f.out, f.err
}

type fakeToolkits struct {
	gotSlug string
	gotReq  composio.ExecuteRequest
}

func (f *fakeToolkits) ExecuteTool(_ context.Context, slug string, req composio.ExecuteRequest) (json.RawMessage, error) {
	f.gotSlug, f.gotReq = slug, req
	return json.RawMessage(`{"ok":true}`), nil
}

type fakeAccounts map[string]model.ConnectedAccount

func (f fakeAccounts) GetConnectedAccount(_ context.Context, _ string, toolkit string) (model.ConnectedAccount, error) {
	a, ok := f[toolkit]
	if !ok {
		return model.ConnectedAccount{}, storage.ErrNotFound
	}
	return a, nil
}

func newRetriever(active map[string]bool, chunks []model.Chunk, docs []model.Document) (*Retriever, *fakeEmbedder, *fakeSearcher) {
	e := &fakeEmbedder{}
	s := &fakeSearcher{chunks: chunks}
	return &Retriever{Embedder: e, Searcher: s, Sources: fakeSources{active: active}, Documents: fakeDocs{docs: docs}}, e, s
}

func TestRetrieve_NoActiveSources(t *testing.T) {
	r, e, _ := newRetriever(nil, nil, nil)

	chunks, err := r.Retrieve(context.Background(), "p", model.RAGSettings{DataSources: []string{"s1"}}, "q")
	require.NoError(t, err)
	assert.NotNil(t, chunks)
	assert.Empty(t, chunks)
	assert.Zero(t, e.calls, "no embedding when nothing is searchable")
}

func TestRetrieve_FiltersToActiveAndLimits(t *testing.T) {
	r, _, s := newRetriever(map[string]bool{"s2": true}, []model.Chunk{{DocID: "d1", Content: "part"}}, nil)

	chunks, err := r.Retrieve(context.Background(), "p", model.RAGSettings{DataSources: []string{"s1", "s2"}}, "q")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, []string{"s2"}, s.gotSources)
	assert.Equal(t, model.DefaultRAGK, s.gotLimit)
}

func TestRetrieve_ContentMode(t *testing.T) {
	chunks := []model.Chunk{
		{ID: "c1", Title: "B", DocID: "d2", Content: "b part"},
		{ID: "c2", Title: "A", DocID: "d1", Content: "a part"},
		{ID: "c3", Title: "B", DocID: "d2", Content: "b other part"},
		{ID: "c4", Title: "Gone", DocID: "d9", Content: "orphan"},
	}
	docs := []model.Document{{ID: "d1", Content: "all of A"}, {ID: "d2", Content: "all of B"}}
	r, _, s := newRetriever(map[string]bool{"s1": true}, chunks, docs)

	out, err := r.Retrieve(context.Background(), "p", model.RAGSettings{
		DataSources: []string{"s1"},
		ReturnType:  model.RAGReturnContent,
		K:           7,
	}, "q")
	require.NoError(t, err)
	assert.Equal(t, 7, s.gotLimit)
	require.Len(t, out, 2)
	assert.Equal(t, "all of B", out[0].Content)
	assert.Equal(t, "all of A", out[1].Content)
}

func TestRAGTool_Handler(t *testing.T) {
	r, _, _ := newRetriever(nil, nil, nil)
	tool := NewRAGTool("search", "desc", "p", model.RAGSettings{DataSources: []string{"s1"}}, r)

	assert.Equal(t, []string{"query"}, tool.Parameters.Required)
	assert.Equal(t, "[]", tool.Handler(context.Background(), `{"query":"hello"}`))
	assert.JSONEq(t, `{"error":"query is required"}`, tool.Handler(context.Background(), `{}`))
}

func TestBuildRegistry_SkipsUnsupported(t *testing.T) {
	reg, err := BuildRegistry("p", []model.WorkflowTool{
		{Name: "nothing"},
		{Name: "both", MockTool: true, IsMCP: true},
		{Name: "mock", MockTool: true},
	}, Deps{Generator: fakeGenerator{out: "x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mock"}, reg.Names())
}

func TestBuildRegistry_ConfigErrors(t *testing.T) {
	r, _, _ := newRetriever(nil, nil, nil)
	deps := Deps{Retriever: r, Generator: fakeGenerator{}, MCP: &fakeMCP{}, Toolkits: &fakeToolkits{}, Accounts: fakeAccounts{}}

	tests := []struct {
		name string
		tool model.WorkflowTool
		deps Deps
	}{
		{name: "rag without sources", tool: model.WorkflowTool{Name: "r", RAG: &model.RAGSettings{}}, deps: deps},
		{name: "rag without retriever", tool: model.WorkflowTool{Name: "r", RAG: &model.RAGSettings{DataSources: []string{"s"}}}},
		{name: "toolkit without metadata", tool: model.WorkflowTool{Name: "t", IsToolkit: true}, deps: deps},
		{name: "toolkit without tool slug", tool: model.WorkflowTool{Name: "t", IsToolkit: true, Toolkit: &model.ToolkitSettings{ToolkitSlug: "github"}}, deps: deps},
		{name: "mcp private host", tool: model.WorkflowTool{Name: "m", IsMCP: true, MCPServerURL: "http://127.0.0.1:9000/mcp"}, deps: deps},
		{name: "mock without generator", tool: model.WorkflowTool{Name: "m", MockTool: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRegistry("p", []model.WorkflowTool{tt.tool}, tt.deps)
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}

func TestMockTool(t *testing.T) {
	reg, err := BuildRegistry("p", []model.WorkflowTool{{Name: "weather", MockTool: true, MockInstructions: "sunny"}},
		Deps{Generator: fakeGenerator{out: "22C and sunny"}})
	require.NoError(t, err)
	tool, ok := reg.Get("weather")
	require.True(t, ok)
	assert.JSONEq(t, `{"result":"22C and sunny"}`, tool.Handler(context.Background(), `{"city":"Lisbon"}`))

	reg, err = BuildRegistry("p", []model.WorkflowTool{{Name: "weather", MockTool: true}},
		Deps{Generator: fakeGenerator{err: errors.New("provider down")}})
	require.NoError(t, err)
	tool, _ = reg.Get("weather")
	assert.JSONEq(t, `{"error":"provider down"}`, tool.Handler(context.Background(), `{}`))
}

func TestMCPTool(t *testing.T) {
	mcp := &fakeMCP{out: "42"}
	reg, err := BuildRegistry("p", []model.WorkflowTool{{
		Name: "answer", IsMCP: true, MCPServerName: "calc", MCPServerURL: "http://127.0.0.1:9000/mcp",
	}}, Deps{MCP: mcp, AllowPrivateHosts: true})
	require.NoError(t, err)
	tool, _ := reg.Get("answer")

	assert.JSONEq(t, `{"result":"42"}`, tool.Handler(context.Background(), `{"q":"life"}`))
	assert.Equal(t, "http://127.0.0.1:9000/mcp", mcp.gotURL)
	assert.Equal(t, "life", mcp.gotArgs["q"])

	mcp.err = errors.New("connection refused")
	assert.JSONEq(t, `{"error":"connection refused"}`, tool.Handler(context.Background(), `{}`))
	assert.Contains(t, tool.Handler(context.Background(), `not json`), "invalid arguments")
}

func TestToolkitTool(t *testing.T) {
	cfg := model.WorkflowTool{
		Name:      "star",
		IsToolkit: true,
		Toolkit:   &model.ToolkitSettings{ToolkitSlug: "github", ToolSlug: "GITHUB_STAR_REPO"},
	}

	t.Run("active account", func(t *testing.T) {
		exec := &fakeToolkits{}
		reg, err := BuildRegistry("p", []model.WorkflowTool{cfg}, Deps{
			Toolkits: exec,
			Accounts: fakeAccounts{"github": {AccountID: "acct-1", Status: model.AccountActive}},
		})
		require.NoError(t, err)
		tool, _ := reg.Get("star")

		assert.JSONEq(t, `{"result":{"ok":true}}`, tool.Handler(context.Background(), `{"repo":"a/b"}`))
		assert.Equal(t, "GITHUB_STAR_REPO", exec.gotSlug)
		assert.Equal(t, "acct-1", exec.gotReq.ConnectedAccountID)
		assert.Equal(t, "p", exec.gotReq.UserID)
	})

	t.Run("no account", func(t *testing.T) {
		reg, err := BuildRegistry("p", []model.WorkflowTool{cfg}, Deps{Toolkits: &fakeToolkits{}, Accounts: fakeAccounts{}})
		require.NoError(t, err)
		tool, _ := reg.Get("star")
		assert.Contains(t, tool.Handler(context.Background(), `{}`), ErrNoActiveAccount.Error())
	})

	t.Run("expired account", func(t *testing.T) {
		reg, err := BuildRegistry("p", []model.WorkflowTool{cfg}, Deps{
			Toolkits: &fakeToolkits{},
			Accounts: fakeAccounts{"github": {AccountID: "acct-1", Status: model.AccountExpired}},
		})
		require.NoError(t, err)
		tool, _ := reg.Get("star")
		assert.Contains(t, tool.Handler(context.Background(), `{}`), "EXPIRED")
	})

	t.Run("no auth", func(t *testing.T) {
		noAuth := cfg
		noAuth.Toolkit = &model.ToolkitSettings{ToolkitSlug: "hackernews", ToolSlug: "HN_TOP", NoAuth: true}
		exec := &fakeToolkits{}
		reg, err := BuildRegistry("p", []model.WorkflowTool{noAuth}, Deps{Toolkits: exec})
		require.NoError(t, err)
		tool, _ := reg.Get("star")

		assert.JSONEq(t, `{"result":{"ok":true}}`, tool.Handler(context.Background(), ``))
		assert.Empty(t, exec.gotReq.ConnectedAccountID)
	})
}

func TestRegistry_LastWriteWins(t *testing.T) {
	reg := NewRegistry(Tool{Name: "a", Description: "first"}, Tool{Name: "b"}, Tool{Name: "a", Description: "second"})
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	a, _ := reg.Get("a")
	assert.Equal(t, "second", a.Description)
	assert.Equal(t, 2, reg.Len())
}
