package repo

import (
	"context"
	"database/sql"
	"fmt"

	"seopilot/internal/domain"
)

const fixColumns = `id,issue_id,provider,content_json,created_by_id,created_at,updated_at`

func scanFix(row interface{ Scan(...any) error }) (domain.Fix, error) {
	var f domain.Fix
	var content, createdBy sql.NullString
	if err := row.Scan(&f.ID, &f.IssueID, &f.Provider, &content, &createdBy, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return f, err
	}
	f.CreatedByID = stringPtr(createdBy)
	doc, err := unmarshalDocument(content)
	if err != nil {
		return f, err
	}
	f.Content = doc
	return f, nil
}

func (r Repo) InsertFix(ctx context.Context, tx *sql.Tx, f domain.Fix) error {
	content, err := marshalDocument(f.Content)
	if err != nil {
		return err
	}
	if content == nil {
		return fmt.Errorf("fix content required")
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO fixes(id,issue_id,provider,content_json,created_by_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.IssueID, f.Provider, content, nullableStringPtr(f.CreatedByID), f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFix(ctx context.Context, tx *sql.Tx, id string) (domain.Fix, error) {
	f, err := scanFix(r.q(tx).QueryRowContext(ctx, `SELECT `+fixColumns+` FROM fixes WHERE id=? AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return f, fmt.Errorf("fix %s: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFixes returns the live fixes of an issue in creation order.
func (r Repo) ListFixes(ctx context.Context, issueID string) ([]domain.Fix, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fixColumns+` FROM fixes WHERE issue_id=? AND deleted_at IS NULL ORDER BY created_at ASC, rowid ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Fix{}
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
