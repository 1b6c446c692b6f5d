package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seopilot/internal/aigen"
	"seopilot/internal/domain"
	"seopilot/internal/events"
)

// CreateFix attaches a remediation to an issue. The issue itself is not modified.
func (e Engine) CreateFix(ctx context.Context, issueID, provider string, content domain.Document, createdByID *string) (domain.Fix, error) {
	if !domain.OneOf(provider, domain.FixProviders) {
		return domain.Fix{}, invalidInput("provider must be one of %s", strings.Join(domain.FixProviders, ", "))
	}
	if len(content) == 0 {
		return domain.Fix{}, invalidInput("content is required")
	}
	now := e.stamp()
	f := domain.Fix{
		ID:          uuid.NewString(),
		IssueID:     issueID,
		Provider:    provider,
		Content:     content,
		CreatedByID: createdByID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		is, err := e.Repo.GetIssue(ctx, tx, issueID)
		if err != nil {
			return err
		}
		a, err := e.Repo.GetAudit(ctx, tx, is.AuditID)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertFix(ctx, tx, f); err != nil {
			return fmt.Errorf("insert fix: %w", err)
		}
		actor := ""
		if createdByID != nil {
			actor = *createdByID
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.FixCreated, ProjectID: a.ProjectID, EntityKind: "fix", EntityID: f.ID, ActorID: actor,
			Payload: events.EventPayload{"issue_id": issueID, "provider": provider},
		})
	})
	if err != nil {
		return domain.Fix{}, err
	}
	return f, nil
}

// GenerateAiFix asks an AI provider for a remediation and stores it as an
// automation-authored fix. On any generation failure nothing is written.
func (e Engine) GenerateAiFix(ctx context.Context, issueID, provider, actorID string) (domain.Fix, error) {
	if !domain.OneOf(provider, domain.AIProviders) {
		return domain.Fix{}, invalidInput("provider must be one of %s", strings.Join(domain.AIProviders, ", "))
	}
	is, err := e.Repo.GetIssue(ctx, nil, issueID)
	if err != nil {
		return domain.Fix{}, err
	}
	a, err := e.Repo.GetAudit(ctx, nil, is.AuditID)
	if err != nil {
		return domain.Fix{}, err
	}
	pc := aigen.PromptContext{
		AuditType:      a.Type,
		Code:           is.Code,
		Severity:       is.Severity,
		Category:       is.Category,
		Description:    is.Description,
		Recommendation: is.Recommendation,
		MetricValue:    is.MetricValue,
		Threshold:      is.Threshold,
	}
	if target, err := e.resolveTarget(ctx, a); err == nil {
		pc.TargetURL = target.URL
	}
	if e.AI == nil {
		return domain.Fix{}, fmt.Errorf("%w: no ai service configured", ErrGenerationFailed)
	}

	genCtx, cancel := context.WithTimeout(ctx, e.Config.AITimeout())
	out, err := e.AI.Generate(genCtx, provider, pc)
	cancel()
	log := e.logger().With(zap.String("issue_id", issueID), zap.String("provider", provider))
	if err != nil {
		log.Warn("fix generation failed", zap.Error(err))
		return domain.Fix{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		log.Warn("fix generation returned no content")
		return domain.Fix{}, fmt.Errorf("%w: %s returned empty content", ErrGenerationFailed, provider)
	}
	content := domain.Document{
		"text":           text,
		"model":          out.Model,
		"provider":       provider,
		"prompt_version": aigen.PromptVersion,
	}
	f, err := e.CreateFix(ctx, issueID, provider, content, nil)
	if err != nil {
		return domain.Fix{}, err
	}
	log.Info("fix generated", zap.String("fix_id", f.ID), zap.String("model", out.Model), zap.String("actor_id", actorID))
	return f, nil
}

func (e Engine) ListFixes(ctx context.Context, issueID string) ([]domain.Fix, error) {
	if _, err := e.Repo.GetIssue(ctx, nil, issueID); err != nil {
		return nil, err
	}
	return e.Repo.ListFixes(ctx, issueID)
}
