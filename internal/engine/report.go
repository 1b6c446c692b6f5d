package engine

import (
	"context"
	"errors"

	"seopilot/internal/domain"
	"seopilot/internal/report"
	"seopilot/internal/repo"
)

// AuditReport gathers an audit with its issues and their fixes.
func (e Engine) AuditReport(ctx context.Context, auditID string) (report.AuditReport, error) {
	a, err := e.Repo.GetAudit(ctx, nil, auditID)
	if err != nil {
		return report.AuditReport{}, err
	}
	p, err := e.Repo.GetProject(ctx, nil, a.ProjectID)
	if err != nil {
		return report.AuditReport{}, err
	}
	r := report.AuditReport{Project: p, Audit: a, GeneratedAt: e.now()}
	if a.PageID != nil {
		page, err := e.Repo.GetPage(ctx, nil, *a.PageID)
		switch {
		case err == nil:
			r.Page = &page
		case !errors.Is(err, repo.ErrNotFound):
			return report.AuditReport{}, err
		}
	}
	issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{AuditID: auditID})
	if err != nil {
		return report.AuditReport{}, err
	}
	for _, is := range issues {
		var fixes []domain.Fix
		if is.FixCount > 0 {
			if fixes, err = e.Repo.ListFixes(ctx, is.ID); err != nil {
				return report.AuditReport{}, err
			}
		}
		r.Issues = append(r.Issues, report.IssueFixes{Issue: is, Fixes: fixes})
	}
	return r, nil
}
