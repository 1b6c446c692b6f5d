package repo

import (
	"context"
	"database/sql"
)

// IncrementUsage adds one unit to the (tenant, resource, period) counter in a
// single statement. When limit is not negative the increment only happens while
// used < limit; ok reports whether it happened.
func (r Repo) IncrementUsage(ctx context.Context, tx *sql.Tx, tenantID, resource, period string, limit int, now string) (ok bool, err error) {
	if limit == 0 {
		return false, nil
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO quota_usage(tenant_id,resource,period,used,updated_at) VALUES (?,?,?,1,?)
ON CONFLICT(tenant_id,resource,period) DO UPDATE SET used=quota_usage.used+1, updated_at=excluded.updated_at
WHERE ? < 0 OR quota_usage.used < ?`, tenantID, resource, period, now, limit, limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DecrementUsage gives one unit back, never going below zero.
func (r Repo) DecrementUsage(ctx context.Context, tx *sql.Tx, tenantID, resource, period, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE quota_usage SET used=used-1, updated_at=? WHERE tenant_id=? AND resource=? AND period=? AND used > 0`,
		now, tenantID, resource, period)
	return err
}

// GetUsage returns the counter value, zero when no row exists yet.
func (r Repo) GetUsage(ctx context.Context, tx *sql.Tx, tenantID, resource, period string) (int, error) {
	var used int
	err := r.q(tx).QueryRowContext(ctx, `SELECT used FROM quota_usage WHERE tenant_id=? AND resource=? AND period=?`, tenantID, resource, period).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return used, err
}
