package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusNotStarted:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusOnHold || newStatus == domain.StatusCompleted {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusOnHold || newStatus == domain.StatusCompleted {
			return nil
		}
	case domain.StatusOnHold:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", oldStatus, newStatus)
}

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	ID        string
	TenantID  string
	JobNumber string
	Name      string
	DueDate   *string
	ActorID   string
}

// CreateJob inserts the job and, when a due date is known, seeds the v1
// completion-time belief in the same transaction (source job_create).
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if opts.TenantID == "" {
		return domain.Job{}, errors.New("tenant is required")
	}
	if opts.JobNumber == "" {
		return domain.Job{}, errors.New("job number is required")
	}
	if opts.Name == "" {
		opts.Name = opts.JobNumber
	}
	if opts.DueDate != nil {
		if _, err := time.Parse(time.RFC3339, *opts.DueDate); err != nil {
			return domain.Job{}, fmt.Errorf("due_date: %w", err)
		}
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.Job{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	j := domain.Job{
		ID:        id,
		TenantID:  opts.TenantID,
		JobNumber: opts.JobNumber,
		Name:      opts.Name,
		Status:    domain.StatusNotStarted,
		DueDate:   opts.DueDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if j.DueDate != nil {
		if _, err := e.assertExpectationTx(ctx, tx, AssertExpectationOptions{
			TenantID:        j.TenantID,
			EntityType:      domain.EntityJob,
			EntityID:        j.ID,
			ExpectationType: domain.ExpectationCompletionTime,
			Statement:       fmt.Sprintf("Job %s will complete by %s", j.JobNumber, *j.DueDate),
			ExpectedAt:      j.DueDate,
			Source:          "job_create",
			CreatedBy:       opts.ActorID,
		}); err != nil {
			return domain.Job{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "job.created", j.TenantID, "job", j.ID, opts.ActorID, events.EventPayload{
		"job_number": j.JobNumber,
		"status":     j.Status,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SetJobDueDate records a new due date and replans the active completion
// belief (superseding it when one exists, asserting otherwise).
func (e Engine) SetJobDueDate(ctx context.Context, tenantID, jobID, dueDate, actorID string) (domain.Job, error) {
	if _, err := time.Parse(time.RFC3339, dueDate); err != nil {
		return domain.Job{}, fmt.Errorf("due_date: %w", err)
	}
	j, err := e.Repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	j.DueDate = &dueDate
	j.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	active, err := e.Repo.ActiveExpectation(ctx, tx, tenantID, domain.EntityJob, jobID, domain.ExpectationCompletionTime)
	switch {
	case err == nil:
		if _, err := e.supersedeExpectationTx(ctx, tx, SupersedeExpectationOptions{
			TenantID:      tenantID,
			ExpectationID: active.ID,
			ExpectedAt:    &dueDate,
			Source:        "due_date_change",
			CreatedBy:     actorID,
		}); err != nil {
			return domain.Job{}, err
		}
	case isNotFound(err):
		if _, err := e.assertExpectationTx(ctx, tx, AssertExpectationOptions{
			TenantID:        tenantID,
			EntityType:      domain.EntityJob,
			EntityID:        jobID,
			ExpectationType: domain.ExpectationCompletionTime,
			Statement:       fmt.Sprintf("Job %s will complete by %s", j.JobNumber, dueDate),
			ExpectedAt:      &dueDate,
			Source:          "due_date_change",
			CreatedBy:       actorID,
		}); err != nil {
			return domain.Job{}, err
		}
	default:
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.due_date_changed", tenantID, "job", jobID, actorID, events.EventPayload{"due_date": dueDate}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// CompleteJob transitions the job to completed and runs the deviation
// detector in the same transaction. Completing an already-completed job is a
// no-op; the detector must not fire twice for one outcome.
func (e Engine) CompleteJob(ctx context.Context, tenantID, jobID, actorID string, force bool) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	j, err := e.Repo.GetJobTx(ctx, tx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status == domain.StatusCompleted {
		return j, nil
	}
	if err := ensureStatusTransition(j.Status, domain.StatusCompleted); err != nil {
		return domain.Job{}, err
	}
	if !force {
		unfinished, err := e.Repo.CountUnfinishedOperationsForJob(ctx, tx, tenantID, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if unfinished > 0 {
			return domain.Job{}, fmt.Errorf("job has %d unfinished operations", unfinished)
		}
	}
	completedAt := e.now().UTC()
	nowStr := completedAt.Format(time.RFC3339)
	j.Status = domain.StatusCompleted
	j.UpdatedAt = nowStr
	j.CompletedAt = &nowStr
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if _, err := e.detectCompletionDeviation(ctx, tx, tenantID, domain.EntityJob, jobID, actorID, completedAt); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.completed", tenantID, "job", jobID, actorID, events.EventPayload{"status": j.Status}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// PartCreateOptions are parameters for adding a part to a job.
type PartCreateOptions struct {
	ID         string
	TenantID   string
	JobID      string
	PartNumber string
	Name       string
	Quantity   int
	ActorID    string
}

func (e Engine) CreatePart(ctx context.Context, opts PartCreateOptions) (domain.Part, error) {
	if opts.TenantID == "" {
		return domain.Part{}, errors.New("tenant is required")
	}
	if opts.PartNumber == "" {
		return domain.Part{}, errors.New("part number is required")
	}
	if opts.Name == "" {
		opts.Name = opts.PartNumber
	}
	if opts.Quantity <= 0 {
		opts.Quantity = 1
	}
	if _, err := e.Repo.GetJob(ctx, opts.TenantID, opts.JobID); err != nil {
		return domain.Part{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Part{
		ID:         id,
		TenantID:   opts.TenantID,
		JobID:      opts.JobID,
		PartNumber: opts.PartNumber,
		Name:       opts.Name,
		Quantity:   opts.Quantity,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPart(ctx, tx, p); err != nil {
		return domain.Part{}, fmt.Errorf("insert part: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "part.created", p.TenantID, "part", p.ID, opts.ActorID, events.EventPayload{"part_number": p.PartNumber}); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

// OperationCreateOptions are parameters for adding an operation to a part.
type OperationCreateOptions struct {
	ID         string
	TenantID   string
	PartID     string
	CellID     string
	Name       string
	Sequence   int
	ExpectedAt *string
	ActorID    string
}

// CreateOperation inserts the operation, optionally assigned to a cell, and
// seeds a completion-time belief when the caller already knows the target
// time (source operation_create).
func (e Engine) CreateOperation(ctx context.Context, opts OperationCreateOptions) (domain.Operation, error) {
	if opts.TenantID == "" {
		return domain.Operation{}, errors.New("tenant is required")
	}
	if opts.Name == "" {
		return domain.Operation{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetPart(ctx, opts.TenantID, opts.PartID); err != nil {
		return domain.Operation{}, err
	}
	if opts.CellID != "" {
		if _, err := e.Repo.GetActiveCell(ctx, opts.TenantID, opts.CellID); err != nil {
			return domain.Operation{}, err
		}
	}
	if opts.ExpectedAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.ExpectedAt); err != nil {
			return domain.Operation{}, fmt.Errorf("expected_at: %w", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	op := domain.Operation{
		ID:        id,
		TenantID:  opts.TenantID,
		PartID:    opts.PartID,
		CellID:    optionalString(opts.CellID),
		Name:      opts.Name,
		Sequence:  opts.Sequence,
		Status:    domain.StatusNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOperation(ctx, tx, op); err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	if opts.ExpectedAt != nil {
		if _, err := e.assertExpectationTx(ctx, tx, AssertExpectationOptions{
			TenantID:        op.TenantID,
			EntityType:      domain.EntityOperation,
			EntityID:        op.ID,
			ExpectationType: domain.ExpectationCompletionTime,
			Statement:       fmt.Sprintf("Operation %s will complete by %s", op.Name, *opts.ExpectedAt),
			ExpectedAt:      opts.ExpectedAt,
			Source:          "operation_create",
			CreatedBy:       opts.ActorID,
		}); err != nil {
			return domain.Operation{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "operation.created", op.TenantID, "operation", op.ID, opts.ActorID, events.EventPayload{
		"name":   op.Name,
		"status": op.Status,
	}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// StartOperation moves the operation to in_progress and pulls the parent job
// along the first time work actually begins.
func (e Engine) StartOperation(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, error) {
	return e.transitionOperation(ctx, tenantID, opID, actorID, domain.StatusInProgress, "operation.started")
}

func (e Engine) HoldOperation(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, error) {
	return e.transitionOperation(ctx, tenantID, opID, actorID, domain.StatusOnHold, "operation.held")
}

func (e Engine) ResumeOperation(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, error) {
	return e.transitionOperation(ctx, tenantID, opID, actorID, domain.StatusInProgress, "operation.resumed")
}

func (e Engine) transitionOperation(ctx context.Context, tenantID, opID, actorID, newStatus, eventType string) (domain.Operation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	op, err := e.Repo.GetOperationTx(ctx, tx, tenantID, opID)
	if err != nil {
		return domain.Operation{}, err
	}
	if err := ensureStatusTransition(op.Status, newStatus); err != nil {
		return domain.Operation{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	from := op.Status
	op.Status = newStatus
	op.UpdatedAt = nowStr
	if newStatus == domain.StatusInProgress && op.StartedAt == nil {
		op.StartedAt = &nowStr
	}
	if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
		return domain.Operation{}, err
	}
	if newStatus == domain.StatusInProgress {
		if err := e.markJobStarted(ctx, tx, tenantID, op.PartID, actorID, nowStr); err != nil {
			return domain.Operation{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, eventType, tenantID, "operation", op.ID, actorID, events.EventPayload{
		"from_status": from,
		"to_status":   op.Status,
	}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

func (e Engine) markJobStarted(ctx context.Context, tx *sql.Tx, tenantID, partID, actorID, now string) error {
	p, err := e.Repo.GetPart(ctx, tenantID, partID)
	if err != nil {
		return err
	}
	j, err := e.Repo.GetJobTx(ctx, tx, tenantID, p.JobID)
	if err != nil {
		return err
	}
	if j.Status != domain.StatusNotStarted {
		return nil
	}
	j.Status = domain.StatusInProgress
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "job.started", tenantID, "job", j.ID, actorID, nil)
}

// CompleteOperation transitions the operation to completed and runs the
// deviation detector in the same transaction. Re-completing is a no-op.
func (e Engine) CompleteOperation(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	op, err := e.Repo.GetOperationTx(ctx, tx, tenantID, opID)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.Status == domain.StatusCompleted {
		return op, nil
	}
	if err := ensureStatusTransition(op.Status, domain.StatusCompleted); err != nil {
		return domain.Operation{}, err
	}
	completedAt := e.now().UTC()
	nowStr := completedAt.Format(time.RFC3339)
	op.Status = domain.StatusCompleted
	op.UpdatedAt = nowStr
	op.CompletedAt = &nowStr
	if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
		return domain.Operation{}, err
	}
	if _, err := e.detectCompletionDeviation(ctx, tx, tenantID, domain.EntityOperation, opID, actorID, completedAt); err != nil {
		return domain.Operation{}, err
	}
	if err := e.Events.Append(ctx, tx, "operation.completed", tenantID, "operation", op.ID, actorID, events.EventPayload{"status": op.Status}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// AssignOperationCell moves the operation onto a cell directly; routing
// decisions that should respect capacity go through AdvanceOperation.
func (e Engine) AssignOperationCell(ctx context.Context, tenantID, opID, cellID, actorID string) (domain.Operation, error) {
	cell, err := e.Repo.GetActiveCell(ctx, tenantID, cellID)
	if err != nil {
		return domain.Operation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	op, err := e.Repo.GetOperationTx(ctx, tx, tenantID, opID)
	if err != nil {
		return domain.Operation{}, err
	}
	op.CellID = &cell.ID
	op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
		return domain.Operation{}, err
	}
	if err := e.Events.Append(ctx, tx, "operation.assigned", tenantID, "operation", op.ID, actorID, events.EventPayload{"cell_id": cell.ID}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// AdvanceOperation routes the operation into the next cell in sequence,
// honoring the admission decision: an enforced ceiling blocks, a soft one
// admits with a warning left to the operator display.
func (e Engine) AdvanceOperation(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, domain.AdmissionDecision, error) {
	op, err := e.Repo.GetOperation(ctx, tenantID, opID)
	if err != nil {
		return domain.Operation{}, domain.AdmissionDecision{}, err
	}
	if op.CellID == nil {
		return domain.Operation{}, domain.AdmissionDecision{}, errors.New("operation is not assigned to a cell")
	}
	decision, err := e.CheckNextCellAdmission(ctx, tenantID, *op.CellID)
	if err != nil {
		return domain.Operation{}, domain.AdmissionDecision{}, err
	}
	if decision.NextCellID == nil {
		return op, decision, nil
	}
	if !decision.HasCapacity {
		return op, decision, fmt.Errorf("admission refused: %s", decision.Message)
	}
	moved, err := e.AssignOperationCell(ctx, tenantID, opID, *decision.NextCellID, actorID)
	if err != nil {
		return domain.Operation{}, decision, err
	}
	return moved, decision, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
