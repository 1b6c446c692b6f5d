package app

import (
	"context"
	"errors"
	"fmt"

	"seopilot/internal/config"
	"seopilot/internal/repo"
)

// LoadConfig reads an explicit config file, else the workspace seopilot.yml,
// else the built-in defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// ResolveProject picks the active project: the override when given, otherwise
// the only project of the tenant.
func ResolveProject(ctx context.Context, r repo.Repo, projectOverride, tenantID string) (string, error) {
	if projectOverride != "" {
		p, err := r.GetProject(ctx, nil, projectOverride)
		if err != nil {
			return "", err
		}
		if tenantID != "" && p.TenantID != tenantID {
			return "", fmt.Errorf("project %s belongs to another tenant", projectOverride)
		}
		return p.ID, nil
	}
	p, err := r.SingleProject(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project found; create one with seopilot project create")
		}
		return "", err
	}
	return p.ID, nil
}
