// Package auth scopes resources to the tenant of the caller.
package auth

import (
	"context"
	"fmt"

	"seopilot/internal/domain"
	"seopilot/internal/repo"
)

// ForbiddenError indicates the resource belongs to another tenant.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s is not accessible to this tenant", e.Resource, e.ID)
}

// Service resolves nested resources and checks that every level belongs to
// the expected parent. An empty tenant ID skips the tenant check (local CLI use).
type Service struct {
	Repo repo.Repo
}

func (s Service) ProjectForTenant(ctx context.Context, tenantID, projectID string) (domain.Project, error) {
	p, err := s.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return p, err
	}
	if tenantID != "" && p.TenantID != tenantID {
		return domain.Project{}, ForbiddenError{Resource: "project", ID: projectID}
	}
	return p, nil
}

func (s Service) PageInProject(ctx context.Context, tenantID, projectID, pageID string) (domain.Page, error) {
	if _, err := s.ProjectForTenant(ctx, tenantID, projectID); err != nil {
		return domain.Page{}, err
	}
	pg, err := s.Repo.GetPage(ctx, nil, pageID)
	if err != nil {
		return pg, err
	}
	if pg.ProjectID != projectID {
		return domain.Page{}, fmt.Errorf("page %s: %w", pageID, repo.ErrNotFound)
	}
	return pg, nil
}

func (s Service) AuditInProject(ctx context.Context, tenantID, projectID, auditID string) (domain.Audit, error) {
	if _, err := s.ProjectForTenant(ctx, tenantID, projectID); err != nil {
		return domain.Audit{}, err
	}
	a, err := s.Repo.GetAudit(ctx, nil, auditID)
	if err != nil {
		return a, err
	}
	if a.ProjectID != projectID {
		return domain.Audit{}, fmt.Errorf("audit %s: %w", auditID, repo.ErrNotFound)
	}
	return a, nil
}

// IssueInProject resolves an issue through its audit. auditID may be empty
// when the route does not carry it.
func (s Service) IssueInProject(ctx context.Context, tenantID, projectID, auditID, issueID string) (domain.Issue, error) {
	is, err := s.Repo.GetIssue(ctx, nil, issueID)
	if err != nil {
		return is, err
	}
	if auditID != "" && is.AuditID != auditID {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, repo.ErrNotFound)
	}
	if _, err := s.AuditInProject(ctx, tenantID, projectID, is.AuditID); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}
