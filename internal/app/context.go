// Package app resolves the working owner for local (CLI) invocations:
// which owner a command targets and with what effective config, seeding
// both on first use.
package app

import (
	"context"
	"errors"
	"fmt"

	"interlock/internal/config"
	"interlock/internal/engine"
	"interlock/internal/repo"
)

// ResolveOwner picks the owner a local command operates on. An explicit
// override wins; otherwise a single-owner workspace resolves to that owner.
// The owner and its default config are created on first use.
func ResolveOwner(ctx context.Context, e engine.Engine, ownerOverride string) (string, *config.Config, error) {
	ownerID := ownerOverride
	if ownerID == "" {
		owners, err := e.Repo.ListOwners(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(owners) {
		case 0:
			return "", nil, fmt.Errorf("no owner in workspace; use --owner to create one")
		case 1:
			ownerID = owners[0].ID
		default:
			return "", nil, fmt.Errorf("workspace has %d owners; use --owner to pick one", len(owners))
		}
	}
	if _, err := e.EnsureOwner(ctx, ownerID, ""); err != nil {
		return "", nil, err
	}
	cfg, err := e.OwnerConfig(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(ownerID)
		} else {
			return "", nil, err
		}
	}
	return ownerID, cfg, nil
}
