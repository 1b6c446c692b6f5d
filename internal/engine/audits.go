package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seopilot/internal/domain"
	"seopilot/internal/events"
	"seopilot/internal/quota"
	"seopilot/internal/repo"
	"seopilot/internal/runner"
)

type AuditCreateOptions struct {
	ProjectID string
	Type      string
	PageID    string
	Trigger   string
	JobID     string
	ActorID   string
}

// CreateAudit reserves one automation run for the project's tenant and opens a
// pending audit. Nothing is written when the quota gate denies the run.
func (e Engine) CreateAudit(ctx context.Context, opts AuditCreateOptions) (domain.Audit, error) {
	if opts.Trigger == "" {
		opts.Trigger = domain.TriggerManual
	}
	if !domain.OneOf(opts.Type, domain.AuditTypes) {
		return domain.Audit{}, invalidInput("audit type must be one of %s", strings.Join(domain.AuditTypes, ", "))
	}
	if !domain.OneOf(opts.Trigger, domain.Triggers) {
		return domain.Audit{}, invalidInput("trigger must be one of %s", strings.Join(domain.Triggers, ", "))
	}
	project, err := e.Repo.GetProject(ctx, nil, opts.ProjectID)
	if err != nil {
		return domain.Audit{}, err
	}
	if opts.PageID != "" {
		page, err := e.Repo.GetPage(ctx, nil, opts.PageID)
		if err != nil {
			return domain.Audit{}, err
		}
		if page.ProjectID != project.ID {
			return domain.Audit{}, fmt.Errorf("page %s: %w", opts.PageID, repo.ErrNotFound)
		}
	}

	decision, err := e.Quota.CheckAndReserve(ctx, project.TenantID, quota.AutomationRun)
	if err != nil {
		return domain.Audit{}, err
	}
	if !decision.Allowed {
		return domain.Audit{}, &QuotaExceededError{Decision: decision}
	}

	now := e.stamp()
	a := domain.Audit{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		PageID:    optionalString(opts.PageID),
		Type:      opts.Type,
		Status:    domain.AuditStatusPending,
		Trigger:   opts.Trigger,
		JobID:     optionalString(opts.JobID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAudit(ctx, tx, a); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.AuditCreated, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: a.ID, ActorID: opts.ActorID,
			Payload: events.EventPayload{"type": a.Type, "trigger": a.Trigger, "page_id": opts.PageID},
		})
	})
	if err != nil {
		if rerr := e.Quota.Release(context.WithoutCancel(ctx), project.TenantID, quota.AutomationRun, decision.Period); rerr != nil {
			e.logger().Error("quota release failed", zap.String("tenant_id", project.TenantID), zap.Error(rerr))
		}
		return domain.Audit{}, err
	}
	e.logger().Info("audit created",
		zap.String("audit_id", a.ID),
		zap.String("project_id", a.ProjectID),
		zap.String("type", a.Type),
		zap.Int("quota_used", decision.Used))
	return a, nil
}

// QueueAudit hands a pending audit to an external scheduler identified by jobID.
func (e Engine) QueueAudit(ctx context.Context, auditID, jobID, actorID string) (domain.Audit, error) {
	var a domain.Audit
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetAudit(ctx, tx, auditID)
		if err != nil {
			return err
		}
		ok, err := e.Repo.QueueAudit(ctx, tx, auditID, jobID, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: audit %s is %s, only pending audits can be queued", ErrInvalidState, auditID, cur.Status)
		}
		if err := e.writer().Append(ctx, tx, events.Event{
			Type: events.AuditQueued, ProjectID: cur.ProjectID, EntityKind: "audit", EntityID: auditID, ActorID: actorID,
			Payload: events.EventPayload{"job_id": jobID},
		}); err != nil {
			return err
		}
		a, err = e.Repo.GetAudit(ctx, tx, auditID)
		return err
	})
	return a, err
}

// RunAudit claims a pending or queued audit, executes its runner and records
// the outcome. Runner failures end in a failed audit and a nil error; only
// state conflicts and storage problems are returned.
func (e Engine) RunAudit(ctx context.Context, auditID, actorID string) (domain.Audit, error) {
	a, err := e.Repo.GetAudit(ctx, nil, auditID)
	if err != nil {
		return domain.Audit{}, err
	}
	if a.Status != domain.AuditStatusPending && a.Status != domain.AuditStatusQueued {
		return a, fmt.Errorf("%w: audit %s is %s", ErrInvalidState, auditID, a.Status)
	}
	rn, err := e.Runners.For(a.Type)
	if err != nil {
		return a, err
	}
	target, err := e.resolveTarget(ctx, a)
	if err != nil {
		return a, err
	}

	log := e.logger().With(zap.String("audit_id", a.ID), zap.String("type", a.Type), zap.String("runner", rn.Name()))
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ClaimAudit(ctx, tx, a.ID, rn.Name(), e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: audit %s was already claimed", ErrInvalidState, a.ID)
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.AuditRunning, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: a.ID, ActorID: actorID,
			Payload: events.EventPayload{"runner": rn.Name(), "url": target.URL},
		})
	})
	if err != nil {
		return a, err
	}
	log.Info("audit running", zap.String("url", target.URL))

	runCtx, cancel := context.WithTimeout(ctx, e.Config.RunnerTimeout())
	res, runErr := runner.Execute(runCtx, rn, target, a.Type)
	callerErr := ctx.Err()
	budgetSpent := callerErr == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	// The audit is running now; it must reach a terminal state even if the
	// caller went away.
	finalCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		msg := e.runFailure(runErr, callerErr, budgetSpent)
		log.Warn("audit failed", zap.String("reason", msg), zap.Error(runErr))
		return e.failAudit(finalCtx, a, msg, res.RawResult, actorID)
	}
	drafts, err := validateResult(res)
	if err != nil {
		log.Warn("audit failed", zap.Error(err))
		return e.failAudit(finalCtx, a, err.Error(), res.RawResult, actorID)
	}

	score := clampScore(res.Score)
	err = e.inTx(finalCtx, func(tx *sql.Tx) error {
		issues, err := e.ingest(finalCtx, tx, a.ID, drafts)
		if err != nil {
			return err
		}
		ok, err := e.Repo.CompleteAudit(finalCtx, tx, a.ID, score, res.Summary, res.RawResult, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: audit %s left running state", ErrInvalidState, a.ID)
		}
		return e.writer().Append(finalCtx, tx, events.Event{
			Type: events.AuditCompleted, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: a.ID, ActorID: actorID,
			Payload: events.EventPayload{"score": score, "issues": len(issues)},
		})
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return a, err
		}
		log.Error("audit finalize failed", zap.Error(err))
		return e.failAudit(finalCtx, a, fmt.Sprintf("record result: %v", err), nil, actorID)
	}
	log.Info("audit completed", zap.Int("score", score), zap.Int("issues", len(drafts)))
	return e.Repo.GetAudit(finalCtx, nil, a.ID)
}

// runFailure describes why a run ended without a result. The caller's own
// deadline or cancellation is reported as such, not as the runner budget.
func (e Engine) runFailure(cause, callerErr error, budgetSpent bool) string {
	switch {
	case errors.Is(callerErr, context.DeadlineExceeded):
		return "interrupted: caller deadline exceeded before the runner finished"
	case callerErr != nil:
		return "interrupted: caller canceled the run"
	case budgetSpent:
		return fmt.Sprintf("timeout after %s: %v", e.Config.RunnerTimeout(), cause)
	}
	return cause.Error()
}

func (e Engine) failAudit(ctx context.Context, a domain.Audit, msg string, raw domain.Document, actorID string) (domain.Audit, error) {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.FailAudit(ctx, tx, a.ID, msg, raw, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: audit %s left running state", ErrInvalidState, a.ID)
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.AuditFailed, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: a.ID, ActorID: actorID,
			Payload: events.EventPayload{"error": msg},
		})
	})
	if err != nil {
		return a, err
	}
	return e.Repo.GetAudit(ctx, nil, a.ID)
}

// resolveTarget picks the audit's page URL, falling back to the project domain.
func (e Engine) resolveTarget(ctx context.Context, a domain.Audit) (runner.Target, error) {
	if a.PageID != nil {
		page, err := e.Repo.GetPage(ctx, nil, *a.PageID)
		if err != nil {
			return runner.Target{}, err
		}
		return runner.Target{URL: page.URL, Host: page.Host, PageID: a.PageID}, nil
	}
	p, err := e.Repo.GetProject(ctx, nil, a.ProjectID)
	if err != nil {
		return runner.Target{}, err
	}
	if p.Domain == "" {
		return runner.Target{}, invalidInput("audit %s has no page and project %s has no domain", a.ID, p.ID)
	}
	return runner.Target{URL: "https://" + p.Domain + "/", Host: p.Domain}, nil
}

// validateResult rejects results that cannot be stored as a completed audit.
func validateResult(res runner.Result) ([]domain.IssueDraft, error) {
	if math.IsNaN(res.Score) || math.IsInf(res.Score, 0) {
		return nil, errors.New("invalid result: score is not a number")
	}
	drafts, err := normalizeDrafts(res.Issues)
	if err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return drafts, nil
}

func clampScore(v float64) int {
	s := int(math.Round(v))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func (e Engine) GetAudit(ctx context.Context, auditID string) (domain.Audit, error) {
	return e.Repo.GetAudit(ctx, nil, auditID)
}

type AuditListOptions struct {
	Type   string
	Status string
	PageID string
	Limit  int
}

// ListAudits returns the project's live audits, newest first.
func (e Engine) ListAudits(ctx context.Context, projectID string, opts AuditListOptions) ([]domain.Audit, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	if opts.Type != "" && !domain.OneOf(opts.Type, domain.AuditTypes) {
		return nil, invalidInput("unknown audit type %s", opts.Type)
	}
	if opts.Status != "" && !domain.OneOf(opts.Status, []string{
		domain.AuditStatusPending, domain.AuditStatusQueued, domain.AuditStatusRunning, domain.AuditStatusCompleted, domain.AuditStatusFailed,
	}) {
		return nil, invalidInput("unknown audit status %s", opts.Status)
	}
	return e.Repo.ListAudits(ctx, repo.AuditFilters{
		ProjectID: projectID,
		Type:      opts.Type,
		Status:    opts.Status,
		PageID:    opts.PageID,
		Limit:     opts.Limit,
	})
}

// DeleteAudit tombstones an audit with its issues and fixes. Running audits
// cannot be deleted.
func (e Engine) DeleteAudit(ctx context.Context, auditID, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAudit(ctx, tx, auditID)
		if err != nil {
			return err
		}
		if a.Status == domain.AuditStatusRunning {
			return fmt.Errorf("%w: audit %s is running", ErrInvalidState, auditID)
		}
		if err := e.Repo.SoftDeleteAudit(ctx, tx, auditID, e.stamp()); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.AuditDeleted, ProjectID: a.ProjectID, EntityKind: "audit", EntityID: auditID, ActorID: actorID,
		})
	})
}
