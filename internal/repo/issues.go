package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"seopilot/internal/domain"
)

type IssueFilters struct {
	AuditID  string
	Status   string
	Severity string
	Category string
}

const issueColumns = `id,audit_id,code,severity,category,description,metric_value,threshold,recommendation,status,resolved_at,created_at,updated_at,
(SELECT COUNT(*) FROM fixes f WHERE f.issue_id=issues.id AND f.deleted_at IS NULL) AS fix_count`

const severityOrder = `CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var is domain.Issue
	var metric, threshold sql.NullFloat64
	var recommendation, resolvedAt sql.NullString
	err := row.Scan(&is.ID, &is.AuditID, &is.Code, &is.Severity, &is.Category, &is.Description, &metric, &threshold,
		&recommendation, &is.Status, &resolvedAt, &is.CreatedAt, &is.UpdatedAt, &is.FixCount)
	is.MetricValue = floatPtr(metric)
	is.Threshold = floatPtr(threshold)
	is.Recommendation = recommendation.String
	is.ResolvedAt = stringPtr(resolvedAt)
	return is, err
}

// UpsertIssue inserts a new open issue or refreshes the descriptive fields of
// the existing (audit_id, code) row. Status and resolved_at of an existing row
// are left untouched.
func (r Repo) UpsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO issues(id,audit_id,code,severity,category,description,metric_value,threshold,recommendation,status,resolved_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(audit_id, code) DO UPDATE SET
  severity=excluded.severity,
  category=excluded.category,
  description=excluded.description,
  metric_value=excluded.metric_value,
  threshold=excluded.threshold,
  recommendation=excluded.recommendation,
  deleted_at=NULL,
  updated_at=excluded.updated_at`,
		is.ID, is.AuditID, is.Code, is.Severity, is.Category, is.Description, nullableFloatPtr(is.MetricValue), nullableFloatPtr(is.Threshold),
		nullable(is.Recommendation), is.Status, nullableStringPtr(is.ResolvedAt), is.CreatedAt, is.UpdatedAt)
	return err
}

// GetIssue returns a live issue with its fix count.
func (r Repo) GetIssue(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	is, err := scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=? AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return is, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return is, err
}

func (r Repo) GetIssueByCode(ctx context.Context, tx *sql.Tx, auditID, code string) (domain.Issue, error) {
	is, err := scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE audit_id=? AND code=? AND deleted_at IS NULL`, auditID, code))
	if err == sql.ErrNoRows {
		return is, fmt.Errorf("issue %s/%s: %w", auditID, code, ErrNotFound)
	}
	return is, err
}

// ListIssues returns live issues of an audit, most severe first then by code.
func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	clauses := []string{"deleted_at IS NULL", "audit_id=?"}
	args := []any{f.AuditID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + severityOrder + `, code`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Issue{}
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// CountIssuesBySeverity summarizes the live issues of an audit.
func (r Repo) CountIssuesBySeverity(ctx context.Context, tx *sql.Tx, auditID string) (map[string]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT severity, COUNT(*) FROM issues WHERE audit_id=? AND deleted_at IS NULL GROUP BY severity`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

func (r Repo) UpdateIssueStatus(ctx context.Context, tx *sql.Tx, id, status string, resolvedAt *string, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET status=?, resolved_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		status, nullableStringPtr(resolvedAt), now, id)
	if err != nil {
		return err
	}
	return expectOne(res, "issue", id)
}
