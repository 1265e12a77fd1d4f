package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// detectCompletionDeviation runs inside the transaction of the completion
// that triggered it: either both the completion and the exception commit, or
// neither does. Absence of an active belief, a belief without a target time,
// and a deviation inside the tolerance band are all deliberate no-ops.
func (e Engine) detectCompletionDeviation(ctx context.Context, tx *sql.Tx, tenantID, entityType, entityID, actorID string, completedAt time.Time) (*domain.Exception, error) {
	exp, err := e.Repo.ActiveExpectation(ctx, tx, tenantID, entityType, entityID, domain.ExpectationCompletionTime)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if exp.ExpectedAt == nil {
		return nil, nil
	}
	expected, err := time.Parse(time.RFC3339, *exp.ExpectedAt)
	if err != nil {
		return nil, err
	}
	deviation := completedAt.Sub(expected).Minutes()
	if deviation <= e.toleranceMinutes() {
		return nil, nil
	}
	actual, err := json.Marshal(map[string]any{"completed_at": completedAt.UTC().Format(time.RFC3339)})
	if err != nil {
		return nil, err
	}
	amount := math.Round(deviation*10) / 10
	unit := "minutes"
	now := e.now().UTC().Format(time.RFC3339)
	x := domain.Exception{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ExpectationID:   exp.ID,
		ExceptionType:   domain.ExceptionLate,
		Status:          domain.ExceptionOpen,
		ActualValueJSON: string(actual),
		OccurredAt:      completedAt.UTC().Format(time.RFC3339),
		DeviationAmount: &amount,
		DeviationUnit:   &unit,
		DetectedAt:      now,
		CreatedAt:       now,
	}
	if err := e.Repo.InsertException(ctx, tx, x); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "exception.raised", tenantID, "exception", x.ID, actorID, events.EventPayload{
		"exception_type":   x.ExceptionType,
		"expectation_id":   exp.ID,
		"entity_type":      entityType,
		"entity_id":        entityID,
		"deviation_amount": amount,
		"deviation_unit":   unit,
	}); err != nil {
		return nil, err
	}
	return &x, nil
}
