// Package search provides vector search over embedded document chunks using
// an external index. The relational stores keep their own exact chunk search
// as a fallback when no index is configured.
package search

import (
	"context"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Searcher ranks chunks of a project by similarity to a query embedding.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// SearchChunks returns at most limit chunks whose source is in sourceIDs,
	// best match first. An empty sourceIDs yields no results.
	SearchChunks(ctx context.Context, projectID string, sourceIDs []string, embedding []float32, limit int) ([]model.Chunk, error)
}

// Index is a Searcher that can also be written to during ingestion.
type Index interface {
	Searcher
	UpsertChunks(ctx context.Context, projectID string, chunks []storage.ChunkRecord) error
	Healthy(ctx context.Context) error
}
