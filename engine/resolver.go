package engine

import (
	"context"
	"fmt"

	"github.com/agentreview/agentreview/storage"
)

// BindingResolver returns the enabled (agent, binding) pairs for a
// repository. Ordering is stable across calls for the same input set.
type BindingResolver struct {
	store storage.Store
}

// NewBindingResolver creates a resolver over the given store.
func NewBindingResolver(store storage.Store) *BindingResolver {
	return &BindingResolver{store: store}
}

// Resolve looks up the repository by full name and returns its active
// bindings. An unknown repository is an error; a repository with zero
// active bindings returns an empty list, which is a legitimate
// nothing-to-do outcome.
func (r *BindingResolver) Resolve(ctx context.Context, repoFullName string) (*storage.Repository, []storage.BoundAgent, error) {
	repo, err := r.store.GetRepositoryByFullName(ctx, repoFullName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve repository: %w", err)
	}
	if repo == nil {
		return nil, nil, fmt.Errorf("repository %s: %w", repoFullName, ErrNotFound)
	}

	bindings, err := r.store.ListActiveBindings(ctx, repo.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	return repo, bindings, nil
}
