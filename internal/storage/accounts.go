package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// GetConnectedAccount returns the project's account record for a toolkit.
func (db *DB) GetConnectedAccount(ctx context.Context, projectID, toolkit string) (model.ConnectedAccount, error) {
	var a model.ConnectedAccount
	err := db.pool.QueryRow(ctx,
		`SELECT project_id, toolkit_slug, account_id, status, updated_at
		 FROM connected_accounts WHERE project_id = $1 AND toolkit_slug = $2`,
		projectID, toolkit,
	).Scan(&a.ProjectID, &a.ToolkitSlug, &a.AccountID, &a.Status, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ConnectedAccount{}, ErrNotFound
	}
	if err != nil {
		return model.ConnectedAccount{}, fmt.Errorf("storage: get connected account: %w", err)
	}
	return a, nil
}

// UpsertConnectedAccount writes an account record. Status syncs can race and
// replay, so the write is idempotent: an older record never overwrites a
// newer one, and an identical record is a no-op.
func (db *DB) UpsertConnectedAccount(ctx context.Context, a model.ConnectedAccount) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO connected_accounts (project_id, toolkit_slug, account_id, status, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (project_id, toolkit_slug) DO UPDATE
			 SET account_id = EXCLUDED.account_id,
			     status = EXCLUDED.status,
			     updated_at = EXCLUDED.updated_at
			 WHERE connected_accounts.updated_at <= EXCLUDED.updated_at
			   AND (connected_accounts.account_id, connected_accounts.status)
			       IS DISTINCT FROM (EXCLUDED.account_id, EXCLUDED.status)`,
			a.ProjectID, a.ToolkitSlug, a.AccountID, a.Status, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert connected account: %w", err)
		}
		return nil
	})
}
