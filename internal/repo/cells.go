package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

const cellColumns = `id,tenant_id,name,sequence,wip_limit,wip_warning_threshold,enforce_wip_limit,show_capacity_warning,active,created_at,updated_at`

func scanCell(scan func(dest ...any) error) (domain.Cell, error) {
	var c domain.Cell
	var limit, threshold sql.NullInt64
	err := scan(&c.ID, &c.TenantID, &c.Name, &c.Sequence, &limit, &threshold,
		&c.EnforceWIPLimit, &c.ShowCapacityWarning, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.WIPLimit = intPtr(limit)
	c.WIPWarningThreshold = intPtr(threshold)
	return c, nil
}

func (r Repo) InsertCell(ctx context.Context, tx *sql.Tx, c domain.Cell) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cells(`+cellColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, c.Sequence, nullableIntPtr(c.WIPLimit), nullableIntPtr(c.WIPWarningThreshold),
		c.EnforceWIPLimit, c.ShowCapacityWarning, c.Active, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCell returns the cell regardless of its active flag.
func (r Repo) GetCell(ctx context.Context, tenantID, id string) (domain.Cell, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanCell(row.Scan)
}

// GetActiveCell returns ErrNotFound for inactive cells: a soft-deleted cell
// must not be observable by WIP or routing computations.
func (r Repo) GetActiveCell(ctx context.Context, tenantID, id string) (domain.Cell, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE id=? AND tenant_id=? AND active=1`, id, tenantID)
	return scanCell(row.Scan)
}

// NextCell resolves the active cell with the smallest sequence strictly
// greater than afterSequence.
func (r Repo) NextCell(ctx context.Context, tenantID string, afterSequence int) (domain.Cell, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE tenant_id=? AND active=1 AND sequence>? ORDER BY sequence ASC LIMIT 1`,
		tenantID, afterSequence)
	return scanCell(row.Scan)
}

func (r Repo) ListCells(ctx context.Context, tenantID string, includeInactive bool) ([]domain.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM cells WHERE tenant_id=?`
	if !includeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY sequence ASC`
	rows, err := r.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cell
	for rows.Next() {
		c, err := scanCell(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

type CellUpdate struct {
	Name                *string
	Sequence            *int
	WIPLimit            **int
	WIPWarningThreshold **int
	EnforceWIPLimit     *bool
	ShowCapacityWarning *bool
}

func (r Repo) UpdateCell(ctx context.Context, tx *sql.Tx, tenantID, id, updatedAt string, u CellUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Sequence != nil {
		fields = append(fields, "sequence=?")
		args = append(args, *u.Sequence)
	}
	if u.WIPLimit != nil {
		fields = append(fields, "wip_limit=?")
		args = append(args, nullableIntPtr(*u.WIPLimit))
	}
	if u.WIPWarningThreshold != nil {
		fields = append(fields, "wip_warning_threshold=?")
		args = append(args, nullableIntPtr(*u.WIPWarningThreshold))
	}
	if u.EnforceWIPLimit != nil {
		fields = append(fields, "enforce_wip_limit=?")
		args = append(args, *u.EnforceWIPLimit)
	}
	if u.ShowCapacityWarning != nil {
		fields = append(fields, "show_capacity_warning=?")
		args = append(args, *u.ShowCapacityWarning)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id, tenantID)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE cells SET %s WHERE id=? AND tenant_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateCell soft-deletes; the row is kept for history.
func (r Repo) DeactivateCell(ctx context.Context, tx *sql.Tx, tenantID, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cells SET active=0, updated_at=? WHERE id=? AND tenant_id=? AND active=1`, updatedAt, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CurrentWIP counts distinct jobs with at least one unfinished operation in
// the cell. Eight operations from three jobs report 3, not 8.
func (r Repo) CurrentWIP(ctx context.Context, tenantID, cellID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT p.job_id)
FROM operations o JOIN parts p ON p.id=o.part_id
WHERE o.tenant_id=? AND o.cell_id=? AND o.status IN (?,?)`,
		tenantID, cellID, domain.StatusNotStarted, domain.StatusInProgress).Scan(&n)
	return n, err
}
