package app

import (
	"context"
	"fmt"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/repo"
)

// EnsureDispatcher seeds a first dispatcher on an empty database so a fresh
// install can mint tokens. It reports whether an actor was created.
func EnsureDispatcher(ctx context.Context, r repo.Repo, name string) (domain.Actor, bool, error) {
	existing, err := r.ListActors(ctx, domain.RoleDispatcher)
	if err != nil {
		return domain.Actor{}, false, err
	}
	if len(existing) > 0 {
		return existing[0], false, nil
	}
	if name == "" {
		name = "dispatch"
	}
	a, err := r.InsertActor(ctx, domain.Actor{
		Name:      name,
		Role:      domain.RoleDispatcher,
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return domain.Actor{}, false, fmt.Errorf("seed dispatcher: %w", err)
	}
	return a, true, nil
}
