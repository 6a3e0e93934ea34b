package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// Retriever runs project-scoped retrieval over document chunks.
type Retriever struct {
	Embedder  Embedder
	Searcher  ChunkSearcher
	Sources   SourceStore
	Documents DocumentStore
}

// Retrieve embeds query and searches the chunks of the configured data
// sources that are currently active. With ReturnType content the matching
// chunks are replaced by their whole parent documents, one per document in
// rank order. No active source yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, projectID string, settings model.RAGSettings, query string) ([]model.Chunk, error) {
	active, err := r.Sources.ActiveSourceIDs(ctx, projectID, settings.DataSources)
	if err != nil {
		return nil, fmt.Errorf("tools: active sources: %w", err)
	}
	if len(active) == 0 {
		return []model.Chunk{}, nil
	}

	vec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tools: embed query: %w", err)
	}

	chunks, err := r.Searcher.SearchChunks(ctx, projectID, active, vec.Slice(), settings.Limit())
	if err != nil {
		return nil, fmt.Errorf("tools: search chunks: %w", err)
	}
	if chunks == nil {
		chunks = []model.Chunk{}
	}
	if settings.ReturnType != model.RAGReturnContent || len(chunks) == 0 {
		return chunks, nil
	}
	return r.expandDocuments(ctx, projectID, chunks)
}

func (r *Retriever) expandDocuments(ctx context.Context, projectID string, chunks []model.Chunk) ([]model.Chunk, error) {
	var ids []string
	first := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		if _, seen := first[c.DocID]; seen {
			continue
		}
		first[c.DocID] = c
		ids = append(ids, c.DocID)
	}

	docs, err := r.Documents.FindDocsByIDs(ctx, projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("tools: find documents: %w", err)
	}
	content := make(map[string]string, len(docs))
	for _, d := range docs {
		content[d.ID] = d.Content
	}

	out := make([]model.Chunk, 0, len(ids))
	for _, id := range ids {
		text, ok := content[id]
		if !ok {
			continue
		}
		c := first[id]
		c.ID = ""
		c.Content = text
		out = append(out, c)
	}
	return out, nil
}

// RAGParameters is the schema of every retrieval tool: one required query string.
func RAGParameters() model.ToolParameters {
	return model.ToolParameters{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
		},
		Required: []string{"query"},
	}
}

// NewRAGTool returns a retrieval tool over the given settings.
func NewRAGTool(name, description, projectID string, settings model.RAGSettings, r *Retriever) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  RAGParameters(),
		Handler: func(ctx context.Context, arguments string) string {
			var args struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Query == "" {
				return errorJSON(fmt.Errorf("query is required"))
			}
			chunks, err := r.Retrieve(ctx, projectID, settings, args.Query)
			if err != nil {
				return errorJSON(err)
			}
			data, err := json.Marshal(chunks)
			if err != nil {
				return errorJSON(err)
			}
			return string(data)
		},
	}
}
