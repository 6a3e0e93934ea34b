package composio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// AccountStore persists per-project connected-account records.
type AccountStore interface {
	GetConnectedAccount(ctx context.Context, projectID, toolkitSlug string) (model.ConnectedAccount, error)
	UpsertConnectedAccount(ctx context.Context, acct model.ConnectedAccount) error
}

// AccountReader reads remote account state.
type AccountReader interface {
	GetConnectedAccount(ctx context.Context, accountID string) (Account, error)
}

// SyncAccount refreshes the stored status of a project's toolkit account from
// Composio. The store upsert is idempotent, so repeated or concurrent syncs
// converge on the latest remote status.
func SyncAccount(ctx context.Context, remote AccountReader, store AccountStore, projectID, toolkitSlug string) (model.ConnectedAccount, error) {
	local, err := store.GetConnectedAccount(ctx, projectID, toolkitSlug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ConnectedAccount{}, fmt.Errorf("composio: no connected account for toolkit %q: %w", toolkitSlug, err)
		}
		return model.ConnectedAccount{}, fmt.Errorf("composio: load account: %w", err)
	}

	acct, err := remote.GetConnectedAccount(ctx, local.AccountID)
	if err != nil {
		return model.ConnectedAccount{}, err
	}

	local.Status = acct.Status
	local.UpdatedAt = time.Now().UTC()
	if err := store.UpsertConnectedAccount(ctx, local); err != nil {
		return model.ConnectedAccount{}, fmt.Errorf("composio: store account: %w", err)
	}
	return local, nil
}
