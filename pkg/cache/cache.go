// Package cache memoizes each owner's collaborator list and drops it when the
// owner's roster changes.
package cache

import (
	"context"
	"time"

	"rosterhub/pkg/domain"
)

// DefaultTTL is how long a cached list may be served.
const DefaultTTL = 10 * time.Minute

// Producer loads the list when the cache has no live entry.
type Producer func(ctx context.Context) ([]domain.Collaborator, error)

// CollaboratorCache is the read-through cache in front of the collaborator list.
type CollaboratorCache interface {
	// Remember returns the cached list for userID or stores and returns the
	// producer's result. Producer errors are returned and nothing is cached.
	Remember(ctx context.Context, userID string, ttl time.Duration, produce Producer) ([]domain.Collaborator, error)
	// Forget removes the entry for userID. Missing entries are not an error.
	Forget(ctx context.Context, userID string) error
}

func key(prefix, userID string) string {
	return prefix + userID
}

const defaultPrefix = "roster:collaborators:"
