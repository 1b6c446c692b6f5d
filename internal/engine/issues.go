package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"seopilot/internal/domain"
	"seopilot/internal/events"
	"seopilot/internal/repo"
)

// Categories are the issue categories runners may report.
var Categories = []string{"performance", "accessibility", "seo", "best_practices"}

// normalizeDrafts validates drafts and collapses repeated codes, keeping the
// last occurrence at the position of the first.
func normalizeDrafts(drafts []domain.IssueDraft) ([]domain.IssueDraft, error) {
	out := make([]domain.IssueDraft, 0, len(drafts))
	index := map[string]int{}
	for i, d := range drafts {
		d.Code = strings.TrimSpace(d.Code)
		d.Severity = strings.ToLower(strings.TrimSpace(d.Severity))
		d.Category = strings.ToLower(strings.TrimSpace(d.Category))
		if d.Code == "" {
			return nil, fmt.Errorf("issue %d: code is required", i)
		}
		if !domain.OneOf(d.Severity, domain.Severities) {
			return nil, fmt.Errorf("issue %s: unknown severity %q", d.Code, d.Severity)
		}
		if !domain.OneOf(d.Category, Categories) {
			return nil, fmt.Errorf("issue %s: unknown category %q", d.Code, d.Category)
		}
		if pos, ok := index[d.Code]; ok {
			out[pos] = d
			continue
		}
		index[d.Code] = len(out)
		out = append(out, d)
	}
	return out, nil
}

// Ingest upserts drafts as issues of an audit, keyed by (audit, code). Known
// codes get their detection fields refreshed while status and resolution
// stay as they were.
func (e Engine) Ingest(ctx context.Context, auditID string, drafts []domain.IssueDraft) ([]domain.Issue, error) {
	normalized, err := normalizeDrafts(drafts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var issues []domain.Issue
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		issues, err = e.ingest(ctx, tx, auditID, normalized)
		return err
	})
	return issues, err
}

func (e Engine) ingest(ctx context.Context, tx *sql.Tx, auditID string, drafts []domain.IssueDraft) ([]domain.Issue, error) {
	a, err := e.Repo.GetAudit(ctx, tx, auditID)
	if err != nil {
		return nil, err
	}
	now := e.stamp()
	issues := make([]domain.Issue, 0, len(drafts))
	codes := make([]string, 0, len(drafts))
	for _, d := range drafts {
		row := domain.Issue{
			ID:             uuid.NewString(),
			AuditID:        auditID,
			Code:           d.Code,
			Severity:       d.Severity,
			Category:       d.Category,
			Description:    d.Description,
			MetricValue:    d.MetricValue,
			Threshold:      d.Threshold,
			Recommendation: d.Recommendation,
			Status:         domain.IssueStatusOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.UpsertIssue(ctx, tx, row); err != nil {
			return nil, fmt.Errorf("upsert issue %s: %w", d.Code, err)
		}
		stored, err := e.Repo.GetIssueByCode(ctx, tx, auditID, d.Code)
		if err != nil {
			return nil, err
		}
		issues = append(issues, stored)
		codes = append(codes, d.Code)
	}
	if len(drafts) > 0 {
		if err := e.writer().Append(ctx, tx, events.Event{
			Type: events.IssuesIngested, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: auditID,
			Payload: events.EventPayload{"codes": codes},
		}); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

// ensureIssueTransition allows open and in_progress issues to move anywhere;
// resolved and ignored are final in this flow.
func ensureIssueTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.IssueStatusOpen:
		if newStatus == domain.IssueStatusInProgress || newStatus == domain.IssueStatusResolved || newStatus == domain.IssueStatusIgnored {
			return nil
		}
	case domain.IssueStatusInProgress:
		if newStatus == domain.IssueStatusOpen || newStatus == domain.IssueStatusResolved || newStatus == domain.IssueStatusIgnored {
			return nil
		}
	}
	return fmt.Errorf("%w: issue status %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// SetIssueStatus moves an issue to status. Setting the current status is a no-op.
func (e Engine) SetIssueStatus(ctx context.Context, issueID, status, actorID string) (domain.Issue, error) {
	if !domain.OneOf(status, domain.IssueStatuses) {
		return domain.Issue{}, invalidInput("status must be one of %s", strings.Join(domain.IssueStatuses, ", "))
	}
	var is domain.Issue
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetIssue(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if cur.Status == status {
			is = cur
			return nil
		}
		if err := ensureIssueTransition(cur.Status, status); err != nil {
			return err
		}
		now := e.stamp()
		var resolvedAt *string
		if status == domain.IssueStatusResolved {
			resolvedAt = &now
		}
		if err := e.Repo.UpdateIssueStatus(ctx, tx, issueID, status, resolvedAt, now); err != nil {
			return err
		}
		a, err := e.Repo.GetAudit(ctx, tx, cur.AuditID)
		if err != nil {
			return err
		}
		if err := e.writer().Append(ctx, tx, events.Event{
			Type: events.IssueStatusChanged, ProjectID: a.ProjectID, EntityKind: "issue", EntityID: issueID, ActorID: actorID,
			Payload: events.EventPayload{"from": cur.Status, "to": status, "code": cur.Code},
		}); err != nil {
			return err
		}
		is, err = e.Repo.GetIssue(ctx, tx, issueID)
		return err
	})
	return is, err
}

func (e Engine) GetIssue(ctx context.Context, issueID string) (domain.Issue, error) {
	return e.Repo.GetIssue(ctx, nil, issueID)
}

type IssueListOptions struct {
	Status   string
	Severity string
	Category string
}

// ListIssues returns the audit's live issues, most severe first.
func (e Engine) ListIssues(ctx context.Context, auditID string, opts IssueListOptions) ([]domain.Issue, error) {
	if _, err := e.Repo.GetAudit(ctx, nil, auditID); err != nil {
		return nil, err
	}
	if opts.Status != "" && !domain.OneOf(opts.Status, domain.IssueStatuses) {
		return nil, invalidInput("unknown issue status %s", opts.Status)
	}
	if opts.Severity != "" && !domain.OneOf(opts.Severity, domain.Severities) {
		return nil, invalidInput("unknown severity %s", opts.Severity)
	}
	if opts.Category != "" && !domain.OneOf(opts.Category, Categories) {
		return nil, invalidInput("unknown category %s", opts.Category)
	}
	return e.Repo.ListIssues(ctx, repo.IssueFilters{
		AuditID:  auditID,
		Status:   opts.Status,
		Severity: opts.Severity,
		Category: opts.Category,
	})
}
