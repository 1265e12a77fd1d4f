package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
)

func validExceptionType(t string) bool {
	switch t {
	case domain.ExceptionLate, domain.ExceptionEarly, domain.ExceptionNonOccurrence, domain.ExceptionExceeded, domain.ExceptionUnder:
		return true
	}
	return false
}

// ExceptionCreateOptions are parameters for the manual creation path. The
// early, non_occurrence, exceeded and under types have no automatic detector
// and enter the system only through here.
type ExceptionCreateOptions struct {
	TenantID        string
	ExpectationID   string
	ExceptionType   string
	ActualValueJSON string
	OccurredAt      *string
	DeviationAmount *float64
	DeviationUnit   *string
	ActorID         string
}

func (e Engine) CreateException(ctx context.Context, opts ExceptionCreateOptions) (domain.Exception, error) {
	if opts.TenantID == "" {
		return domain.Exception{}, errors.New("tenant is required")
	}
	if !validExceptionType(opts.ExceptionType) {
		return domain.Exception{}, fmt.Errorf("invalid exception type %q", opts.ExceptionType)
	}
	if opts.ActualValueJSON != "" {
		if err := validateJSON(opts.ActualValueJSON); err != nil {
			return domain.Exception{}, fmt.Errorf("actual value JSON: %w", err)
		}
	}
	exp, err := e.Repo.GetExpectation(ctx, opts.TenantID, opts.ExpectationID)
	if err != nil {
		return domain.Exception{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	occurred := now
	if opts.OccurredAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.OccurredAt); err != nil {
			return domain.Exception{}, fmt.Errorf("occurred_at: %w", err)
		}
		occurred = *opts.OccurredAt
	}
	x := domain.Exception{
		ID:              uuid.New().String(),
		TenantID:        opts.TenantID,
		ExpectationID:   exp.ID,
		ExceptionType:   opts.ExceptionType,
		Status:          domain.ExceptionOpen,
		ActualValueJSON: opts.ActualValueJSON,
		OccurredAt:      occurred,
		DeviationAmount: opts.DeviationAmount,
		DeviationUnit:   opts.DeviationUnit,
		DetectedAt:      now,
		CreatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertException(ctx, tx, x); err != nil {
		return domain.Exception{}, fmt.Errorf("insert exception: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "exception.raised", x.TenantID, "exception", x.ID, opts.ActorID, events.EventPayload{
		"exception_type": x.ExceptionType,
		"expectation_id": exp.ID,
		"manual":         true,
	}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return x, nil
}

// AcknowledgeException moves open -> acknowledged. Any other source state is
// a conflict, not a silent no-op.
func (e Engine) AcknowledgeException(ctx context.Context, tenantID, exceptionID, actorID string) (domain.Exception, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	x, err := e.Repo.GetExceptionTx(ctx, tx, tenantID, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if x.Status != domain.ExceptionOpen {
		return domain.Exception{}, fmt.Errorf("cannot acknowledge exception in status %s", x.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	x.Status = domain.ExceptionAcknowledged
	x.AcknowledgedBy = optionalString(actorID)
	x.AcknowledgedAt = &now
	if err := e.Repo.UpdateException(ctx, tx, x); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.acknowledged", tenantID, "exception", x.ID, actorID, nil); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return x, nil
}

// ExceptionResolveOptions carry the closure metadata recorded on resolution.
type ExceptionResolveOptions struct {
	RootCause        string
	CorrectiveAction string
	PreventiveAction string
	ResolutionJSON   string
}

// ResolveException closes the exception from open or acknowledged; resolved
// is terminal.
func (e Engine) ResolveException(ctx context.Context, tenantID, exceptionID, actorID string, opts ExceptionResolveOptions) (domain.Exception, error) {
	if opts.ResolutionJSON != "" {
		if err := validateJSON(opts.ResolutionJSON); err != nil {
			return domain.Exception{}, fmt.Errorf("resolution JSON: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	x, err := e.Repo.GetExceptionTx(ctx, tx, tenantID, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if x.Status != domain.ExceptionOpen && x.Status != domain.ExceptionAcknowledged {
		return domain.Exception{}, fmt.Errorf("cannot resolve exception in status %s", x.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	x.Status = domain.ExceptionResolved
	x.RootCause = optionalString(opts.RootCause)
	x.CorrectiveAction = optionalString(opts.CorrectiveAction)
	x.PreventiveAction = optionalString(opts.PreventiveAction)
	x.ResolutionJSON = optionalString(opts.ResolutionJSON)
	x.ResolvedAt = &now
	if err := e.Repo.UpdateException(ctx, tx, x); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.resolved", tenantID, "exception", x.ID, actorID, nil); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return x, nil
}

// DismissException closes the exception without remediation; the free-text
// reason lands in the resolution document.
func (e Engine) DismissException(ctx context.Context, tenantID, exceptionID, actorID, reason string) (domain.Exception, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	x, err := e.Repo.GetExceptionTx(ctx, tx, tenantID, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if x.Status != domain.ExceptionOpen && x.Status != domain.ExceptionAcknowledged {
		return domain.Exception{}, fmt.Errorf("cannot dismiss exception in status %s", x.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	x.Status = domain.ExceptionDismissed
	if reason != "" {
		resolution, err := marshalPayload(map[string]any{"reason": reason})
		if err != nil {
			return domain.Exception{}, err
		}
		x.ResolutionJSON = &resolution
	}
	x.ResolvedAt = &now
	if err := e.Repo.UpdateException(ctx, tx, x); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.dismissed", tenantID, "exception", x.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return x, nil
}

// ExceptionStats summarizes the tenant's exception workload.
func (e Engine) ExceptionStats(ctx context.Context, tenantID string) (domain.ExceptionStats, error) {
	return e.Repo.ExceptionStats(ctx, tenantID)
}
