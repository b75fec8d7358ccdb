// Package authoritycache keeps the authority's bookkeeping in process memory.
// It suits a single gateway instance; state is lost on restart.
package authoritycache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	keyConsumed = "consumed:"
	keyRevoked  = "revoked:"

	cleanupInterval = 10 * time.Minute
)

type Repository struct {
	cache *cache.Cache
}

func NewRepository() *Repository {
	return &Repository{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (r *Repository) Consume(_ context.Context, id string, ttl time.Duration) (bool, error) {
	// Add fails when an unexpired entry exists
	if err := r.cache.Add(keyConsumed+id, struct{}{}, ttl); err != nil {
		return false, nil //nolint:nilerr
	}
	return true, nil
}

func (r *Repository) RevokeFamily(_ context.Context, sessionID string, ttl time.Duration) error {
	r.cache.Set(keyRevoked+sessionID, struct{}{}, ttl)
	return nil
}

func (r *Repository) IsFamilyRevoked(_ context.Context, sessionID string) (bool, error) {
	_, found := r.cache.Get(keyRevoked + sessionID)
	return found, nil
}
