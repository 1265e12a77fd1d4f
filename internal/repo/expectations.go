package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const expectationColumns = `id,tenant_id,entity_type,entity_id,expectation_type,statement,expected_value_json,expected_at,version,source,created_by,context_json,superseded_by,superseded_at,created_at`

func scanExpectation(scan func(dest ...any) error) (domain.Expectation, error) {
	var e domain.Expectation
	var value, expectedAt, contextJSON, supersededBy, supersededAt sql.NullString
	err := scan(&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.ExpectationType, &e.Statement,
		&value, &expectedAt, &e.Version, &e.Source, &e.CreatedBy, &contextJSON, &supersededBy, &supersededAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if value.Valid {
		e.ExpectedValueJSON = value.String
	}
	if contextJSON.Valid {
		e.ContextJSON = contextJSON.String
	}
	e.ExpectedAt = strPtr(expectedAt)
	e.SupersededBy = strPtr(supersededBy)
	e.SupersededAt = strPtr(supersededAt)
	return e, nil
}

func (r Repo) InsertExpectation(ctx context.Context, tx *sql.Tx, e domain.Expectation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO expectations(`+expectationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, e.ExpectationType, e.Statement,
		nullable(e.ExpectedValueJSON), nullableStringPtr(e.ExpectedAt), e.Version, e.Source, e.CreatedBy,
		nullable(e.ContextJSON), nullableStringPtr(e.SupersededBy), nullableStringPtr(e.SupersededAt), e.CreatedAt)
	return err
}

func (r Repo) GetExpectation(ctx context.Context, tenantID, id string) (domain.Expectation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+expectationColumns+` FROM expectations WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanExpectation(row.Scan)
}

func (r Repo) GetExpectationTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Expectation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+expectationColumns+` FROM expectations WHERE id=? AND tenant_id=?`, id, tenantID)
	return scanExpectation(row.Scan)
}

// ActiveExpectation returns the current belief for (entity, type): the row
// with no forward pointer, most recently created when more than one survives.
func (r Repo) ActiveExpectation(ctx context.Context, tx *sql.Tx, tenantID, entityType, entityID, expectationType string) (domain.Expectation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+expectationColumns+` FROM expectations
WHERE tenant_id=? AND entity_type=? AND entity_id=? AND expectation_type=? AND superseded_by IS NULL
ORDER BY created_at DESC, version DESC LIMIT 1`, tenantID, entityType, entityID, expectationType)
	return scanExpectation(row.Scan)
}

// MarkSuperseded stamps the forward pointer on an active row. ErrNotFound
// means the row was already superseded or never existed; the caller treats
// both as a conflict.
func (r Repo) MarkSuperseded(ctx context.Context, tx *sql.Tx, tenantID, id, newID, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE expectations SET superseded_by=?, superseded_at=? WHERE id=? AND tenant_id=? AND superseded_by IS NULL`,
		newID, at, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ExpectationFilters struct {
	TenantID        string
	EntityType      string
	EntityID        string
	ExpectationType string
	ActiveOnly      bool
	Limit           int
}

func (r Repo) ListExpectations(ctx context.Context, f ExpectationFilters) ([]domain.Expectation, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ExpectationType != "" {
		clauses = append(clauses, "expectation_type=?")
		args = append(args, f.ExpectationType)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "superseded_by IS NULL")
	}
	query := `SELECT ` + expectationColumns + ` FROM expectations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, version DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expectation
	for rows.Next() {
		e, err := scanExpectation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// ExpectationChain walks supersession links backwards from the active row,
// returning the full history ordered by version ascending.
func (r Repo) ExpectationChain(ctx context.Context, tenantID, entityType, entityID, expectationType string) ([]domain.Expectation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+expectationColumns+` FROM expectations
WHERE tenant_id=? AND entity_type=? AND entity_id=? AND expectation_type=? ORDER BY version ASC, created_at ASC`,
		tenantID, entityType, entityID, expectationType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expectation
	for rows.Next() {
		e, err := scanExpectation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}
