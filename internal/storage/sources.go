package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// CreateSource inserts a new active data source for a project.
func (db *DB) CreateSource(ctx context.Context, projectID, name string) (model.DataSource, error) {
	var s model.DataSource
	err := db.pool.QueryRow(ctx,
		`INSERT INTO data_sources (id, project_id, name, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, project_id, name, status, created_at, updated_at`,
		uuid.NewString(), projectID, name, model.SourceActive,
	).Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.DataSource{}, fmt.Errorf("storage: create source: %w", err)
	}
	return s, nil
}

// GetSource returns a project's data source by id.
func (db *DB) GetSource(ctx context.Context, projectID, id string) (model.DataSource, error) {
	var s model.DataSource
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, name, status, created_at, updated_at
		 FROM data_sources WHERE project_id = $1 AND id = $2`,
		projectID, id,
	).Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DataSource{}, ErrNotFound
	}
	if err != nil {
		return model.DataSource{}, fmt.Errorf("storage: get source: %w", err)
	}
	return s, nil
}

// SetSourceStatus changes the lifecycle state of a data source.
func (db *DB) SetSourceStatus(ctx context.Context, projectID, id string, status model.SourceStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE data_sources SET status = $3, updated_at = now()
		 WHERE project_id = $1 AND id = $2`,
		projectID, id, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set source status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSourceIDs returns the subset of ids that belong to the project and
// are currently active. Order follows ids.
func (db *DB) ActiveSourceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM data_sources
		 WHERE project_id = $1 AND id = ANY($2) AND status = $3`,
		projectID, ids, model.SourceActive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active sources: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan active sources: %w", err)
	}
	return keepOrder(ids, found), nil
}

// keepOrder returns the members of subset in the order they appear in ids.
func keepOrder(ids, subset []string) []string {
	in := make(map[string]bool, len(subset))
	for _, id := range subset {
		in[id] = true
	}
	out := make([]string, 0, len(subset))
	for _, id := range ids {
		if in[id] {
			out = append(out, id)
			delete(in, id)
		}
	}
	return out
}
