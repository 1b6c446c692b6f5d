package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seopilot/internal/domain"
	"seopilot/internal/events"
	"seopilot/internal/quota"
	"seopilot/internal/repo"
)

type ProjectCreateOptions struct {
	ID       string
	TenantID string
	Name     string
	Domain   string
	// Plan is applied when the tenant row does not exist yet.
	Plan    string
	ActorID string
}

// CreateProject registers a project and the minimal tenant row it needs.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.TenantID) == "" {
		return domain.Project{}, invalidInput("tenant is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, invalidInput("name is required")
	}
	host := ""
	if opts.Domain != "" {
		u, err := normalizeURL(opts.Domain)
		if err != nil {
			return domain.Project{}, err
		}
		host = u.Hostname()
	}
	plan := opts.Plan
	if plan == "" {
		plan = e.Config.DefaultPlan
	}
	if plan != "" {
		if _, ok := e.Config.Plans[plan]; !ok {
			return domain.Project{}, invalidInput("unknown plan %s (want one of %s)", plan, strings.Join(e.Config.PlanNames(), ", "))
		}
	}
	now := e.stamp()
	p := domain.Project{
		ID:        opts.ID,
		TenantID:  opts.TenantID,
		Name:      strings.TrimSpace(opts.Name),
		Domain:    host,
		CreatedAt: now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureTenant(ctx, tx, p.TenantID, plan, now); err != nil {
			return err
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.ProjectCreated, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
			Payload: events.EventPayload{"name": p.Name, "domain": p.Domain, "tenant_id": p.TenantID},
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.logger().Info("project created", zap.String("project_id", p.ID), zap.String("tenant_id", p.TenantID))
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, nil, id)
}

func (e Engine) ListProjects(ctx context.Context, tenantID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, tenantID)
}

// SetTenantPlan moves a tenant to another configured plan.
func (e Engine) SetTenantPlan(ctx context.Context, tenantID, plan string) (domain.Tenant, error) {
	if _, ok := e.Config.Plans[plan]; !ok {
		return domain.Tenant{}, invalidInput("unknown plan %s", plan)
	}
	if err := e.Repo.UpdateTenantPlan(ctx, nil, tenantID, plan); err != nil {
		return domain.Tenant{}, err
	}
	return e.Repo.GetTenant(ctx, nil, tenantID)
}

// QuotaUsage reports the automation allowance of the project's tenant for the current period.
func (e Engine) QuotaUsage(ctx context.Context, projectID string) (quota.Decision, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return quota.Decision{}, err
	}
	return e.Quota.Usage(ctx, p.TenantID, quota.AutomationRun)
}

// CreateAPIKey issues a key bound to actorID and tenantID. The plain key is
// only returned here; the database keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, tenantID, actorID, name string) (domain.APIKey, string, error) {
	if tenantID == "" || actorID == "" {
		return domain.APIKey{}, "", invalidInput("tenant and actor are required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "sp_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureTenant(ctx, tx, tenantID, e.Config.DefaultPlan, key.CreatedAt); err != nil {
			return err
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.APIKeyCreated, EntityKind: "api_key", EntityID: key.ID, ActorID: actorID,
			Payload: events.EventPayload{"tenant_id": tenantID, "name": name},
		})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
