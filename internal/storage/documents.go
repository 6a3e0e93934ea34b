package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// ChunkRecord is a chunk with its embedding, as written during ingestion.
type ChunkRecord struct {
	model.Chunk
	Seq       int
	Embedding pgvector.Vector
}

// InsertDocument stores a document and its chunks atomically. Chunks are
// written with COPY.
func (db *DB) InsertDocument(ctx context.Context, doc model.Document, chunks []ChunkRecord) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (id, project_id, source_id, name, content)
			 VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, doc.ProjectID, doc.SourceID, doc.Name, doc.Content,
		); err != nil {
			return fmt.Errorf("storage: insert document: %w", err)
		}

		rows := make([][]any, len(chunks))
		for i, c := range chunks {
			rows[i] = []any{c.ID, doc.ID, doc.ProjectID, doc.SourceID, c.Seq, c.Title, c.Name, c.Content, c.Embedding}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"chunks"},
			[]string{"id", "document_id", "project_id", "source_id", "seq", "title", "name", "content", "embedding"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("storage: copy chunks: %w", err)
		}
		return nil
	})
}

// DeleteDocument removes a document. Its chunks go with it.
func (db *DB) DeleteDocument(ctx context.Context, projectID, id string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM documents WHERE project_id = $1 AND id = $2`,
		projectID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDocsByIDs returns the project's documents with the given ids. Missing
// ids are skipped; the result is ordered by the position of the id in ids.
func (db *DB) FindDocsByIDs(ctx context.Context, projectID string, ids []string) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, source_id, name, content, created_at
		 FROM documents
		 WHERE project_id = $1 AND id = ANY($2)
		 ORDER BY array_position($2, id)`,
		projectID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find documents: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Document, error) {
		var d model.Document
		err := row.Scan(&d.ID, &d.ProjectID, &d.SourceID, &d.Name, &d.Content, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan documents: %w", err)
	}
	return docs, nil
}
