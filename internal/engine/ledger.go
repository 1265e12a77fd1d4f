package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// AssertExpectationOptions are parameters for recording a new belief.
type AssertExpectationOptions struct {
	TenantID          string
	EntityType        string
	EntityID          string
	ExpectationType   string
	Statement         string
	ExpectedValueJSON string
	ExpectedAt        *string
	Source            string
	CreatedBy         string
	ContextJSON       string
}

func validEntityType(t string) bool {
	switch t {
	case domain.EntityJob, domain.EntityOperation, domain.EntityPart:
		return true
	}
	return false
}

func validExpectationType(t string) bool {
	switch t {
	case domain.ExpectationCompletionTime, domain.ExpectationDuration, domain.ExpectationQuantity, domain.ExpectationDelivery:
		return true
	}
	return false
}

func (e Engine) validateExpectationInput(opts AssertExpectationOptions) error {
	if opts.TenantID == "" {
		return errors.New("tenant is required")
	}
	if !validEntityType(opts.EntityType) {
		return fmt.Errorf("invalid entity type %q", opts.EntityType)
	}
	if opts.EntityID == "" {
		return errors.New("entity id is required")
	}
	if !validExpectationType(opts.ExpectationType) {
		return fmt.Errorf("invalid expectation type %q", opts.ExpectationType)
	}
	if opts.Statement == "" {
		return errors.New("statement is required")
	}
	if e.Config == nil || !e.Config.SourceAllowed(opts.Source) {
		return fmt.Errorf("unrecognized expectation source %q", opts.Source)
	}
	if opts.ExpectedValueJSON != "" {
		if err := validateJSON(opts.ExpectedValueJSON); err != nil {
			return fmt.Errorf("expected value JSON: %w", err)
		}
	}
	if opts.ContextJSON != "" {
		if err := validateJSON(opts.ContextJSON); err != nil {
			return fmt.Errorf("context JSON: %w", err)
		}
	}
	if opts.ExpectedAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.ExpectedAt); err != nil {
			return fmt.Errorf("expected_at: %w", err)
		}
	}
	return nil
}

// AssertExpectation starts a new belief chain at version 1. The store's
// partial unique index rejects a second active belief for the same
// (entity, type); callers replacing a belief must supersede instead.
func (e Engine) AssertExpectation(ctx context.Context, opts AssertExpectationOptions) (domain.Expectation, error) {
	if err := e.validateExpectationInput(opts); err != nil {
		return domain.Expectation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expectation{}, err
	}
	defer tx.Rollback()
	exp, err := e.assertExpectationTx(ctx, tx, opts)
	if err != nil {
		return domain.Expectation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Expectation{}, err
	}
	return exp, nil
}

// assertExpectationTx writes a v1 belief inside the caller's transaction; it
// is shared with the work-graph use cases that seed beliefs on create.
func (e Engine) assertExpectationTx(ctx context.Context, tx *sql.Tx, opts AssertExpectationOptions) (domain.Expectation, error) {
	now := e.now().UTC().Format(time.RFC3339)
	exp := domain.Expectation{
		ID:                uuid.New().String(),
		TenantID:          opts.TenantID,
		EntityType:        opts.EntityType,
		EntityID:          opts.EntityID,
		ExpectationType:   opts.ExpectationType,
		Statement:         opts.Statement,
		ExpectedValueJSON: opts.ExpectedValueJSON,
		ExpectedAt:        opts.ExpectedAt,
		Version:           1,
		Source:            opts.Source,
		CreatedBy:         opts.CreatedBy,
		ContextJSON:       opts.ContextJSON,
		CreatedAt:         now,
	}
	if err := e.Repo.InsertExpectation(ctx, tx, exp); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.Expectation{}, fmt.Errorf("active expectation already exists for %s %s; supersede it instead", exp.EntityType, exp.EntityID)
		}
		return domain.Expectation{}, fmt.Errorf("insert expectation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "expectation.asserted", exp.TenantID, "expectation", exp.ID, opts.CreatedBy, events.EventPayload{
		"entity_type":      exp.EntityType,
		"entity_id":        exp.EntityID,
		"expectation_type": exp.ExpectationType,
		"version":          exp.Version,
		"source":           exp.Source,
	}); err != nil {
		return domain.Expectation{}, err
	}
	return exp, nil
}

// SupersedeExpectationOptions replace an active belief with a new version.
type SupersedeExpectationOptions struct {
	TenantID          string
	ExpectationID     string
	ExpectedValueJSON string
	ExpectedAt        *string
	Source            string
	CreatedBy         string
	ContextJSON       string
}

// SupersedeExpectation is the only sanctioned way to change a belief: the old
// row is kept verbatim, gains a forward pointer, and the replacement carries
// version+1. Unknown ids fail outright rather than returning absence;
// superseding is an explicit caller action with no sensible default.
func (e Engine) SupersedeExpectation(ctx context.Context, opts SupersedeExpectationOptions) (domain.Expectation, error) {
	if opts.TenantID == "" {
		return domain.Expectation{}, errors.New("tenant is required")
	}
	if e.Config == nil || !e.Config.SourceAllowed(opts.Source) {
		return domain.Expectation{}, fmt.Errorf("unrecognized expectation source %q", opts.Source)
	}
	if opts.ExpectedValueJSON != "" {
		if err := validateJSON(opts.ExpectedValueJSON); err != nil {
			return domain.Expectation{}, fmt.Errorf("expected value JSON: %w", err)
		}
	}
	if opts.ExpectedAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.ExpectedAt); err != nil {
			return domain.Expectation{}, fmt.Errorf("expected_at: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expectation{}, err
	}
	defer tx.Rollback()
	exp, err := e.supersedeExpectationTx(ctx, tx, opts)
	if err != nil {
		return domain.Expectation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Expectation{}, err
	}
	return exp, nil
}

func (e Engine) supersedeExpectationTx(ctx context.Context, tx *sql.Tx, opts SupersedeExpectationOptions) (domain.Expectation, error) {
	old, err := e.Repo.GetExpectationTx(ctx, tx, opts.TenantID, opts.ExpectationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Expectation{}, fmt.Errorf("expectation %s not found", opts.ExpectationID)
		}
		return domain.Expectation{}, err
	}
	if old.SupersededBy != nil {
		return domain.Expectation{}, fmt.Errorf("expectation %s already superseded by %s", old.ID, *old.SupersededBy)
	}
	now := e.now().UTC().Format(time.RFC3339)
	mergedContext, err := mergeContext(old.ID, opts.ContextJSON)
	if err != nil {
		return domain.Expectation{}, fmt.Errorf("context JSON: %w", err)
	}
	next := domain.Expectation{
		ID:                uuid.New().String(),
		TenantID:          old.TenantID,
		EntityType:        old.EntityType,
		EntityID:          old.EntityID,
		ExpectationType:   old.ExpectationType,
		Statement:         old.Statement + " (replanned)",
		ExpectedValueJSON: opts.ExpectedValueJSON,
		ExpectedAt:        opts.ExpectedAt,
		Version:           old.Version + 1,
		Source:            opts.Source,
		CreatedBy:         opts.CreatedBy,
		ContextJSON:       mergedContext,
		CreatedAt:         now,
	}
	// Old row loses its active slot first so the partial unique index
	// admits the replacement.
	if err := e.Repo.MarkSuperseded(ctx, tx, old.TenantID, old.ID, next.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Expectation{}, fmt.Errorf("expectation %s already superseded", old.ID)
		}
		return domain.Expectation{}, err
	}
	if err := e.Repo.InsertExpectation(ctx, tx, next); err != nil {
		return domain.Expectation{}, fmt.Errorf("insert expectation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "expectation.superseded", next.TenantID, "expectation", next.ID, opts.CreatedBy, events.EventPayload{
		"superseded": old.ID,
		"version":    next.Version,
		"source":     next.Source,
	}); err != nil {
		return domain.Expectation{}, err
	}
	return next, nil
}

// mergeContext layers the caller's context document over a back-reference to
// the superseded row.
func mergeContext(oldID, contextJSON string) (string, error) {
	merged := map[string]any{"superseded_from": oldID}
	if contextJSON != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(contextJSON), &extra); err != nil {
			return "", err
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
