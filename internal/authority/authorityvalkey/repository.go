// Package authorityvalkey keeps the authority's bookkeeping in valkey so that
// several gateway instances agree on consumed tokens and revoked families.
package authorityvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	objectTypeConsumed = "consumed"
	objectTypeRevoked  = "revoked"
)

type Repository struct {
	store *store
}

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) Consume(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	fresh, err := r.store.SetNX(ctx, objectTypeConsumed, id, ttl)
	if err != nil {
		return false, fmt.Errorf("marking refresh token consumed: %w", err)
	}

	return fresh, nil
}

func (r *Repository) RevokeFamily(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := r.store.Set(ctx, objectTypeRevoked, sessionID, ttl); err != nil {
		return fmt.Errorf("storing revoked family: %w", err)
	}

	return nil
}

func (r *Repository) IsFamilyRevoked(ctx context.Context, sessionID string) (bool, error) {
	revoked, err := r.store.Exists(ctx, objectTypeRevoked, sessionID)
	if err != nil {
		return false, fmt.Errorf("looking up revoked family: %w", err)
	}

	return revoked, nil
}
