package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"seopilot/internal/domain"
)

type AuditFilters struct {
	ProjectID string
	Type      string
	Status    string
	PageID    string
	Limit     int
}

const auditColumns = `id,project_id,page_id,type,status,trigger_kind,runner,score,summary,raw_result_json,error,job_id,started_at,completed_at,created_at,updated_at`

func scanAudit(row interface{ Scan(...any) error }) (domain.Audit, error) {
	var a domain.Audit
	var pageID, runner, summary, raw, errText, jobID, startedAt, completedAt sql.NullString
	var score sql.NullInt64
	if err := row.Scan(&a.ID, &a.ProjectID, &pageID, &a.Type, &a.Status, &a.Trigger, &runner, &score, &summary, &raw,
		&errText, &jobID, &startedAt, &completedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.PageID = stringPtr(pageID)
	a.Runner = runner.String
	a.Score = intPtr(score)
	a.Summary = summary.String
	a.Error = stringPtr(errText)
	a.JobID = stringPtr(jobID)
	a.StartedAt = stringPtr(startedAt)
	a.CompletedAt = stringPtr(completedAt)
	doc, err := unmarshalDocument(raw)
	if err != nil {
		return a, err
	}
	a.RawResult = doc
	return a, nil
}

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.Audit) error {
	raw, err := marshalDocument(a.RawResult)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO audits(id,project_id,page_id,type,status,trigger_kind,runner,score,summary,raw_result_json,error,job_id,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullableStringPtr(a.PageID), a.Type, a.Status, a.Trigger, nullable(a.Runner), nullableIntPtr(a.Score),
		nullable(a.Summary), raw, nullableStringPtr(a.Error), nullableStringPtr(a.JobID), nullableStringPtr(a.StartedAt),
		nullableStringPtr(a.CompletedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAudit returns a live audit.
func (r Repo) GetAudit(ctx context.Context, tx *sql.Tx, id string) (domain.Audit, error) {
	a, err := scanAudit(r.q(tx).QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audits WHERE id=? AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAudits returns live audits newest first.
func (r Repo) ListAudits(ctx context.Context, f AuditFilters) ([]domain.Audit, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PageID != "" {
		clauses = append(clauses, "page_id=?")
		args = append(args, f.PageID)
	}
	query := `SELECT ` + auditColumns + ` FROM audits WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Audit{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimAudit moves a pending or queued audit to running. It reports false when
// another caller got there first or the audit is in any other state.
func (r Repo) ClaimAudit(ctx context.Context, tx *sql.Tx, id, runner, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audits SET status='running', runner=?, started_at=?, updated_at=?
WHERE id=? AND status IN ('pending','queued') AND deleted_at IS NULL`, nullable(runner), now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// QueueAudit moves a pending audit to queued and records the job id.
func (r Repo) QueueAudit(ctx context.Context, tx *sql.Tx, id, jobID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audits SET status='queued', job_id=?, updated_at=?
WHERE id=? AND status='pending' AND deleted_at IS NULL`, nullable(jobID), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteAudit finalizes a running audit with its result.
func (r Repo) CompleteAudit(ctx context.Context, tx *sql.Tx, id string, score int, summary string, raw domain.Document, now string) (bool, error) {
	rawJSON, err := marshalDocument(raw)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audits SET status='completed', score=?, summary=?, raw_result_json=?, error=NULL, completed_at=?, updated_at=?
WHERE id=? AND status='running'`, score, nullable(summary), rawJSON, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailAudit finalizes a running audit with an error.
func (r Repo) FailAudit(ctx context.Context, tx *sql.Tx, id, errText string, raw domain.Document, now string) (bool, error) {
	rawJSON, err := marshalDocument(raw)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audits SET status='failed', error=?, raw_result_json=COALESCE(?, raw_result_json), score=NULL, completed_at=NULL, updated_at=?
WHERE id=? AND status='running'`, errText, rawJSON, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SoftDeleteAudit tombstones an audit together with its issues and their fixes.
func (r Repo) SoftDeleteAudit(ctx context.Context, tx *sql.Tx, id, now string) error {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `UPDATE audits SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	if err := expectOne(res, "audit", id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE fixes SET deleted_at=?, updated_at=? WHERE deleted_at IS NULL AND issue_id IN (SELECT id FROM issues WHERE audit_id=?)`, now, now, id); err != nil {
		return fmt.Errorf("cascade fixes: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE issues SET deleted_at=?, updated_at=? WHERE audit_id=? AND deleted_at IS NULL`, now, now, id); err != nil {
		return fmt.Errorf("cascade issues: %w", err)
	}
	return nil
}
