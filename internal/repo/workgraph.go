package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const jobColumns = `id,tenant_id,job_number,name,status,due_date,created_at,updated_at,completed_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var due, completed sql.NullString
	err := scan(&j.ID, &j.TenantID, &j.JobNumber, &j.Name, &j.Status, &due, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DueDate = strPtr(due)
	j.CompletedAt = strPtr(completed)
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.JobNumber, j.Name, j.Status, nullableStringPtr(j.DueDate), j.CreatedAt, j.UpdatedAt, nullableStringPtr(j.CompletedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, tenantID, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanJob(row.Scan)
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET job_number=?, name=?, status=?, due_date=?, updated_at=?, completed_at=? WHERE id=? AND tenant_id=?`,
		j.JobNumber, j.Name, j.Status, nullableStringPtr(j.DueDate), j.UpdatedAt, nullableStringPtr(j.CompletedAt), j.ID, j.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type JobFilters struct {
	TenantID        string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

func (r Repo) InsertPart(ctx context.Context, tx *sql.Tx, p domain.Part) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO parts(id,tenant_id,job_id,part_number,name,quantity,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.JobID, p.PartNumber, p.Name, p.Quantity, p.CreatedAt)
	return err
}

func (r Repo) GetPart(ctx context.Context, tenantID, id string) (domain.Part, error) {
	var p domain.Part
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,job_id,part_number,name,quantity,created_at FROM parts WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&p.ID, &p.TenantID, &p.JobID, &p.PartNumber, &p.Name, &p.Quantity, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListParts(ctx context.Context, tenantID, jobID string) ([]domain.Part, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,job_id,part_number,name,quantity,created_at FROM parts WHERE tenant_id=? AND job_id=? ORDER BY created_at ASC, id ASC`, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Part
	for rows.Next() {
		var p domain.Part
		if err := rows.Scan(&p.ID, &p.TenantID, &p.JobID, &p.PartNumber, &p.Name, &p.Quantity, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

const operationColumns = `id,tenant_id,part_id,cell_id,name,sequence,status,created_at,updated_at,started_at,completed_at`

func scanOperation(scan func(dest ...any) error) (domain.Operation, error) {
	var op domain.Operation
	var cell, started, completed sql.NullString
	err := scan(&op.ID, &op.TenantID, &op.PartID, &cell, &op.Name, &op.Sequence, &op.Status, &op.CreatedAt, &op.UpdatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	op.CellID = strPtr(cell)
	op.StartedAt = strPtr(started)
	op.CompletedAt = strPtr(completed)
	return op, nil
}

func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.TenantID, op.PartID, nullableStringPtr(op.CellID), op.Name, op.Sequence, op.Status,
		op.CreatedAt, op.UpdatedAt, nullableStringPtr(op.StartedAt), nullableStringPtr(op.CompletedAt))
	return err
}

func (r Repo) GetOperation(ctx context.Context, tenantID, id string) (domain.Operation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanOperation(row.Scan)
}

func (r Repo) GetOperationTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Operation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanOperation(row.Scan)
}

func (r Repo) UpdateOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET part_id=?, cell_id=?, name=?, sequence=?, status=?, updated_at=?, started_at=?, completed_at=? WHERE id=? AND tenant_id=?`,
		op.PartID, nullableStringPtr(op.CellID), op.Name, op.Sequence, op.Status, op.UpdatedAt,
		nullableStringPtr(op.StartedAt), nullableStringPtr(op.CompletedAt), op.ID, op.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OperationFilters struct {
	TenantID string
	PartID   string
	JobID    string
	CellID   string
	Status   string
	Limit    int
}

func (r Repo) ListOperations(ctx context.Context, f OperationFilters) ([]domain.Operation, error) {
	clauses := []string{"o.tenant_id=?"}
	args := []any{f.TenantID}
	join := ""
	if f.JobID != "" {
		join = " JOIN parts p ON p.id=o.part_id"
		clauses = append(clauses, "p.job_id=?")
		args = append(args, f.JobID)
	}
	if f.PartID != "" {
		clauses = append(clauses, "o.part_id=?")
		args = append(args, f.PartID)
	}
	if f.CellID != "" {
		clauses = append(clauses, "o.cell_id=?")
		args = append(args, f.CellID)
	}
	if f.Status != "" {
		clauses = append(clauses, "o.status=?")
		args = append(args, f.Status)
	}
	query := `SELECT o.id,o.tenant_id,o.part_id,o.cell_id,o.name,o.sequence,o.status,o.created_at,o.updated_at,o.started_at,o.completed_at FROM operations o` +
		join + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY o.sequence ASC, o.created_at ASC, o.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, nil
}

// CountUnfinishedOperationsForJob is used when deciding whether a job
// completion can cascade.
func (r Repo) CountUnfinishedOperationsForJob(ctx context.Context, tx *sql.Tx, tenantID, jobID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations o JOIN parts p ON p.id=o.part_id
WHERE o.tenant_id=? AND p.job_id=? AND o.status IN (?,?)`,
		tenantID, jobID, domain.StatusNotStarted, domain.StatusInProgress).Scan(&n)
	return n, err
}
