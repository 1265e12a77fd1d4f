package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const exceptionColumns = `id,tenant_id,expectation_id,exception_type,status,actual_value_json,occurred_at,deviation_amount,deviation_unit,detected_at,acknowledged_by,acknowledged_at,root_cause,corrective_action,preventive_action,resolution_json,resolved_at,created_at`

func scanException(scan func(dest ...any) error) (domain.Exception, error) {
	var x domain.Exception
	var actual, unit, ackBy, ackAt, rootCause, corrective, preventive, resolution, resolvedAt sql.NullString
	var amount sql.NullFloat64
	err := scan(&x.ID, &x.TenantID, &x.ExpectationID, &x.ExceptionType, &x.Status, &actual, &x.OccurredAt,
		&amount, &unit, &x.DetectedAt, &ackBy, &ackAt, &rootCause, &corrective, &preventive, &resolution, &resolvedAt, &x.CreatedAt)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	if actual.Valid {
		x.ActualValueJSON = actual.String
	}
	x.DeviationAmount = floatPtr(amount)
	x.DeviationUnit = strPtr(unit)
	x.AcknowledgedBy = strPtr(ackBy)
	x.AcknowledgedAt = strPtr(ackAt)
	x.RootCause = strPtr(rootCause)
	x.CorrectiveAction = strPtr(corrective)
	x.PreventiveAction = strPtr(preventive)
	x.ResolutionJSON = strPtr(resolution)
	x.ResolvedAt = strPtr(resolvedAt)
	return x, nil
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, x domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(`+exceptionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		x.ID, x.TenantID, x.ExpectationID, x.ExceptionType, x.Status, nullable(x.ActualValueJSON), x.OccurredAt,
		nullableFloatPtr(x.DeviationAmount), nullableStringPtr(x.DeviationUnit), x.DetectedAt,
		nullableStringPtr(x.AcknowledgedBy), nullableStringPtr(x.AcknowledgedAt),
		nullableStringPtr(x.RootCause), nullableStringPtr(x.CorrectiveAction), nullableStringPtr(x.PreventiveAction),
		nullableStringPtr(x.ResolutionJSON), nullableStringPtr(x.ResolvedAt), x.CreatedAt)
	return err
}

func (r Repo) GetException(ctx context.Context, tenantID, id string) (domain.Exception, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanException(row.Scan)
}

func (r Repo) GetExceptionTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Exception, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanException(row.Scan)
}

func (r Repo) UpdateException(ctx context.Context, tx *sql.Tx, x domain.Exception) error {
	res, err := tx.ExecContext(ctx, `UPDATE exceptions SET status=?, acknowledged_by=?, acknowledged_at=?, root_cause=?, corrective_action=?, preventive_action=?, resolution_json=?, resolved_at=? WHERE id=? AND tenant_id=?`,
		x.Status, nullableStringPtr(x.AcknowledgedBy), nullableStringPtr(x.AcknowledgedAt),
		nullableStringPtr(x.RootCause), nullableStringPtr(x.CorrectiveAction), nullableStringPtr(x.PreventiveAction),
		nullableStringPtr(x.ResolutionJSON), nullableStringPtr(x.ResolvedAt), x.ID, x.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ExceptionFilters struct {
	TenantID      string
	Status        string
	ExceptionType string
	ExpectationID string
	Limit         int
}

func (r Repo) ListExceptions(ctx context.Context, f ExceptionFilters) ([]domain.Exception, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExceptionType != "" {
		clauses = append(clauses, "exception_type=?")
		args = append(args, f.ExceptionType)
	}
	if f.ExpectationID != "" {
		clauses = append(clauses, "expectation_id=?")
		args = append(args, f.ExpectationID)
	}
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exception
	for rows.Next() {
		x, err := scanException(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, nil
}

// ExceptionStats aggregates status counts plus average resolution time over
// resolved exceptions. Timestamps are RFC3339 strings, so julianday does the
// interval math on the SQLite side.
func (r Repo) ExceptionStats(ctx context.Context, tenantID string) (domain.ExceptionStats, error) {
	var s domain.ExceptionStats
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM exceptions WHERE tenant_id=? GROUP BY status`, tenantID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, err
		}
		switch status {
		case domain.ExceptionOpen:
			s.OpenCount = count
		case domain.ExceptionAcknowledged:
			s.AcknowledgedCount = count
		case domain.ExceptionResolved:
			s.ResolvedCount = count
		case domain.ExceptionDismissed:
			s.DismissedCount = count
		}
		s.TotalCount += count
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	var avgHours sql.NullFloat64
	err = r.DB.QueryRowContext(ctx, `SELECT AVG((julianday(resolved_at)-julianday(detected_at))*24.0)
FROM exceptions WHERE tenant_id=? AND status=? AND resolved_at IS NOT NULL`, tenantID, domain.ExceptionResolved).Scan(&avgHours)
	if err != nil {
		return s, err
	}
	s.AvgResolutionTimeHours = floatPtr(avgHours)
	return s, nil
}
