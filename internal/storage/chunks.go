package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// SearchChunks ranks the project's chunks in the given sources by cosine
// distance to embedding. It is the fallback when no Qdrant index is
// configured; there is no ANN index so the scan is exact.
func (db *DB) SearchChunks(ctx context.Context, projectID string, sourceIDs []string, embedding []float32, limit int) ([]model.Chunk, error) {
	if len(sourceIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, name, content, document_id, source_id,
		        1 - (embedding <=> $3) AS score
		 FROM chunks
		 WHERE project_id = $1 AND source_id = ANY($2) AND embedding IS NOT NULL
		 ORDER BY embedding <=> $3
		 LIMIT $4`,
		projectID, sourceIDs, pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Chunk, error) {
		var c model.Chunk
		var score float64
		err := row.Scan(&c.ID, &c.Title, &c.Name, &c.Content, &c.DocID, &c.SourceID, &score)
		c.Score = float32(score)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan chunks: %w", err)
	}
	return chunks, nil
}
