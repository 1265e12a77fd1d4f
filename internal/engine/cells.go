package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// CellCreateOptions are parameters for adding a cell to the pipeline.
type CellCreateOptions struct {
	ID                  string
	TenantID            string
	Name                string
	Sequence            int
	WIPLimit            *int
	WIPWarningThreshold *int
	EnforceWIPLimit     bool
	ShowCapacityWarning bool
	ActorID             string
}

func (e Engine) CreateCell(ctx context.Context, opts CellCreateOptions) (domain.Cell, error) {
	if opts.TenantID == "" {
		return domain.Cell{}, fmt.Errorf("tenant is required")
	}
	if opts.Name == "" {
		return domain.Cell{}, fmt.Errorf("name is required")
	}
	if opts.WIPLimit != nil && *opts.WIPLimit <= 0 {
		return domain.Cell{}, fmt.Errorf("wip_limit must be positive")
	}
	if opts.WIPWarningThreshold != nil && *opts.WIPWarningThreshold <= 0 {
		return domain.Cell{}, fmt.Errorf("wip_warning_threshold must be positive")
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.Cell{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Cell{
		ID:                  id,
		TenantID:            opts.TenantID,
		Name:                opts.Name,
		Sequence:            opts.Sequence,
		WIPLimit:            opts.WIPLimit,
		WIPWarningThreshold: opts.WIPWarningThreshold,
		EnforceWIPLimit:     opts.EnforceWIPLimit,
		ShowCapacityWarning: opts.ShowCapacityWarning,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cell{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCell(ctx, tx, c); err != nil {
		return domain.Cell{}, fmt.Errorf("insert cell: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "cell.created", c.TenantID, "cell", c.ID, opts.ActorID, events.EventPayload{
		"name":     c.Name,
		"sequence": c.Sequence,
	}); err != nil {
		return domain.Cell{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cell{}, err
	}
	return c, nil
}

func (e Engine) UpdateCell(ctx context.Context, tenantID, cellID, actorID string, u repo.CellUpdate) (domain.Cell, error) {
	if _, err := e.Repo.GetActiveCell(ctx, tenantID, cellID); err != nil {
		return domain.Cell{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cell{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCell(ctx, tx, tenantID, cellID, now, u); err != nil {
		return domain.Cell{}, err
	}
	if err := e.Events.Append(ctx, tx, "cell.updated", tenantID, "cell", cellID, actorID, nil); err != nil {
		return domain.Cell{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cell{}, err
	}
	return e.Repo.GetCell(ctx, tenantID, cellID)
}

// RemoveCell soft-deletes a cell; it drops out of WIP and routing but the
// row survives for history.
func (e Engine) RemoveCell(ctx context.Context, tenantID, cellID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.DeactivateCell(ctx, tx, tenantID, cellID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "cell.removed", tenantID, "cell", cellID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CellMetrics is the WIP gauge. The count is recomputed from the live work
// graph on every call; there is no maintained counter to drift. A missing,
// inactive, or foreign cell is ErrNotFound, never a zeroed reading.
func (e Engine) CellMetrics(ctx context.Context, tenantID, cellID string) (domain.CellMetrics, error) {
	cell, err := e.Repo.GetActiveCell(ctx, tenantID, cellID)
	if err != nil {
		return domain.CellMetrics{}, err
	}
	wip, err := e.Repo.CurrentWIP(ctx, tenantID, cellID)
	if err != nil {
		return domain.CellMetrics{}, err
	}
	m := domain.CellMetrics{
		CellID:       cell.ID,
		CellName:     cell.Name,
		CurrentWIP:   wip,
		WIPLimit:     cell.WIPLimit,
		EnforceLimit: cell.EnforceWIPLimit,
		ShowWarning:  cell.ShowCapacityWarning,
	}
	if cell.WIPLimit == nil {
		m.Status = domain.CapacityNoLimit
		return m, nil
	}
	limit := *cell.WIPLimit
	threshold := e.effectiveWarningThreshold(cell)
	m.WarningThreshold = &threshold
	utilization := math.Round(float64(wip)/float64(limit)*1000) / 10
	m.UtilizationPercent = &utilization
	switch {
	case wip >= limit:
		m.Status = domain.CapacityAtCapacity
	case wip >= threshold:
		m.Status = domain.CapacityWarning
	default:
		m.Status = domain.CapacityNormal
	}
	return m, nil
}

// effectiveWarningThreshold falls back to floor(limit*ratio) when the cell
// has no explicit threshold.
func (e Engine) effectiveWarningThreshold(cell domain.Cell) int {
	if cell.WIPWarningThreshold != nil {
		return *cell.WIPWarningThreshold
	}
	if cell.WIPLimit == nil {
		return 0
	}
	return int(math.Floor(float64(*cell.WIPLimit) * e.warningRatio()))
}

// CheckNextCellAdmission decides whether work leaving cellID may advance
// into its successor. The last cell in the pipeline always admits: end of
// pipeline is a terminal success, not an error.
//
// Two concurrent checks against the same downstream cell can both pass and
// overshoot the ceiling by one before either move lands. Routing is operator
// paced, so the check-then-act window is an accepted soft constraint.
func (e Engine) CheckNextCellAdmission(ctx context.Context, tenantID, cellID string) (domain.AdmissionDecision, error) {
	source, err := e.Repo.GetActiveCell(ctx, tenantID, cellID)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}
	next, err := e.Repo.NextCell(ctx, tenantID, source.Sequence)
	if err == repo.ErrNotFound {
		return domain.AdmissionDecision{
			HasCapacity: true,
			Message:     fmt.Sprintf("Cell %q is the last cell in the pipeline; no downstream admission to check", source.Name),
		}, nil
	}
	if err != nil {
		return domain.AdmissionDecision{}, err
	}
	metrics, err := e.CellMetrics(ctx, tenantID, next.ID)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}
	d := domain.AdmissionDecision{
		HasCapacity:  true,
		NextCellID:   &next.ID,
		NextCellName: &next.Name,
		CurrentWIP:   &metrics.CurrentWIP,
		WIPLimit:     next.WIPLimit,
		EnforceLimit: &next.EnforceWIPLimit,
	}
	if next.WIPLimit == nil {
		d.Message = fmt.Sprintf("Cell %q has no WIP limit", next.Name)
		return d, nil
	}
	limit := *next.WIPLimit
	threshold := e.effectiveWarningThreshold(next)
	switch {
	case metrics.CurrentWIP >= limit:
		d.HasCapacity = !next.EnforceWIPLimit
		if next.EnforceWIPLimit {
			d.Message = fmt.Sprintf("Cell %q is at capacity (%d/%d)", next.Name, metrics.CurrentWIP, limit)
		} else {
			d.Message = fmt.Sprintf("Cell %q is at capacity (%d/%d); limit is advisory", next.Name, metrics.CurrentWIP, limit)
		}
	case metrics.CurrentWIP >= threshold:
		d.Warning = true
		d.Message = fmt.Sprintf("Cell %q is approaching capacity (%d/%d)", next.Name, metrics.CurrentWIP, limit)
	default:
		d.Message = fmt.Sprintf("Cell %q has capacity (%d/%d)", next.Name, metrics.CurrentWIP, limit)
	}
	return d, nil
}
