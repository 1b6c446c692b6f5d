package repo

import (
	"context"
	"database/sql"
	"fmt"

	"seopilot/internal/domain"
)

const pageColumns = `id,project_id,url,host,title,created_at,updated_at`

func scanPage(row interface{ Scan(...any) error }) (domain.Page, error) {
	var p domain.Page
	var title sql.NullString
	err := row.Scan(&p.ID, &p.ProjectID, &p.URL, &p.Host, &title, &p.CreatedAt, &p.UpdatedAt)
	p.Title = title.String
	return p, err
}

func (r Repo) InsertPage(ctx context.Context, tx *sql.Tx, p domain.Page) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pages(id,project_id,url,host,title,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.URL, p.Host, nullable(p.Title), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetPage returns a live page.
func (r Repo) GetPage(ctx context.Context, tx *sql.Tx, id string) (domain.Page, error) {
	p, err := scanPage(r.q(tx).QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=? AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("page %s: %w", id, ErrNotFound)
	}
	return p, err
}

// FindPageByURL returns the live page of a project with the given normalized URL.
func (r Repo) FindPageByURL(ctx context.Context, tx *sql.Tx, projectID, url string) (domain.Page, error) {
	p, err := scanPage(r.q(tx).QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE project_id=? AND url=? AND deleted_at IS NULL`, projectID, url))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("page %s: %w", url, ErrNotFound)
	}
	return p, err
}

func (r Repo) UpdatePageTitle(ctx context.Context, tx *sql.Tx, id, title, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pages SET title=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, nullable(title), now, id)
	if err != nil {
		return err
	}
	return expectOne(res, "page", id)
}

func (r Repo) ListPages(ctx context.Context, projectID string) ([]domain.Page, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE project_id=? AND deleted_at IS NULL ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Page{}
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SoftDeletePage tombstones a page and detaches the audits that referenced it.
func (r Repo) SoftDeletePage(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pages SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	if err := expectOne(res, "page", id); err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE audits SET page_id=NULL, updated_at=? WHERE page_id=?`, now, id)
	return err
}
