package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"seopilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q routes a statement through tx when one is open. Reading through r.DB while
// holding a write transaction would block on the same database lock.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, plan, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,plan,created_at) VALUES (?,?,?)`, id, plan, now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, tx *sql.Tx, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,plan,created_at FROM tenants WHERE id=?`, id).Scan(&t.ID, &t.Plan, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r Repo) UpdateTenantPlan(ctx context.Context, tx *sql.Tx, id, plan string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tenants SET plan=? WHERE id=?`, plan, id)
	if err != nil {
		return err
	}
	return expectOne(res, "tenant", id)
}

const projectColumns = `id,tenant_id,name,domain,created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Domain, &p.CreatedAt)
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,tenant_id,name,domain,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, p.Domain, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProjects returns projects of a tenant, or all projects when tenantID is empty.
func (r Repo) ListProjects(ctx context.Context, tenantID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project of a tenant.
func (r Repo) SingleProject(ctx context.Context, tenantID string) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, tenantID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

func marshalDocument(doc domain.Document) (any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return string(data), nil
}

func unmarshalDocument(ns sql.NullString) (domain.Document, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var doc domain.Document
	if err := json.Unmarshal([]byte(ns.String), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
