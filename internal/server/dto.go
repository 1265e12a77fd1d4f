package server

import (
	"encoding/json"

	"flowline/internal/config"
	"flowline/internal/domain"
)

// Request payloads

type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateCellRequest struct {
	ID                  *string `json:"id,omitempty"`
	Name                string  `json:"name"`
	Sequence            int     `json:"sequence"`
	WIPLimit            *int    `json:"wip_limit,omitempty"`
	WIPWarningThreshold *int    `json:"wip_warning_threshold,omitempty"`
	EnforceWIPLimit     *bool   `json:"enforce_wip_limit,omitempty"`
	ShowCapacityWarning *bool   `json:"show_capacity_warning,omitempty"`
}

type UpdateCellRequest struct {
	Name                *string `json:"name,omitempty"`
	WIPLimit            *int    `json:"wip_limit,omitempty"`
	WIPWarningThreshold *int    `json:"wip_warning_threshold,omitempty"`
	EnforceWIPLimit     *bool   `json:"enforce_wip_limit,omitempty"`
	ShowCapacityWarning *bool   `json:"show_capacity_warning,omitempty"`
}

type CreateJobRequest struct {
	ID        *string `json:"id,omitempty"`
	JobNumber string  `json:"job_number"`
	Name      string  `json:"name,omitempty"`
	DueDate   *string `json:"due_date,omitempty" format:"date-time"`
}

type SetDueDateRequest struct {
	DueDate string `json:"due_date" format:"date-time"`
}

type CreatePartRequest struct {
	ID         *string `json:"id,omitempty"`
	JobID      string  `json:"job_id"`
	PartNumber string  `json:"part_number"`
	Name       string  `json:"name,omitempty"`
	Quantity   int     `json:"quantity,omitempty"`
}

type CreateOperationRequest struct {
	ID         *string `json:"id,omitempty"`
	PartID     string  `json:"part_id"`
	CellID     *string `json:"cell_id,omitempty"`
	Name       string  `json:"name"`
	Sequence   int     `json:"sequence,omitempty"`
	ExpectedAt *string `json:"expected_at,omitempty" format:"date-time"`
}

type AssignCellRequest struct {
	CellID string `json:"cell_id"`
}

type AssertExpectationRequest struct {
	EntityType      string         `json:"entity_type" enum:"job,operation,part"`
	EntityID        string         `json:"entity_id"`
	ExpectationType string         `json:"expectation_type" enum:"completion_time,duration,quantity,delivery"`
	Statement       string         `json:"statement"`
	ExpectedValue   map[string]any `json:"expected_value,omitempty"`
	ExpectedAt      *string        `json:"expected_at,omitempty" format:"date-time"`
	Source          string         `json:"source"`
	Context         map[string]any `json:"context,omitempty"`
}

type SupersedeExpectationRequest struct {
	ExpectedValue map[string]any `json:"expected_value,omitempty"`
	ExpectedAt    *string        `json:"expected_at,omitempty" format:"date-time"`
	Source        string         `json:"source"`
	Context       map[string]any `json:"context,omitempty"`
}

type CreateExceptionRequest struct {
	ExpectationID   string         `json:"expectation_id"`
	ExceptionType   string         `json:"exception_type" enum:"late,early,non_occurrence,exceeded,under"`
	ActualValue     map[string]any `json:"actual_value,omitempty"`
	OccurredAt      *string        `json:"occurred_at,omitempty" format:"date-time"`
	DeviationAmount *float64       `json:"deviation_amount,omitempty"`
	DeviationUnit   *string        `json:"deviation_unit,omitempty"`
}

type ResolveExceptionRequest struct {
	RootCause        string         `json:"root_cause,omitempty"`
	CorrectiveAction string         `json:"corrective_action,omitempty"`
	PreventiveAction string         `json:"preventive_action,omitempty"`
	Resolution       map[string]any `json:"resolution,omitempty"`
}

type DismissExceptionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ExpectationResponse struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	EntityType      string         `json:"entity_type" enum:"job,operation,part"`
	EntityID        string         `json:"entity_id"`
	ExpectationType string         `json:"expectation_type" enum:"completion_time,duration,quantity,delivery"`
	Statement       string         `json:"statement"`
	ExpectedValue   map[string]any `json:"expected_value,omitempty"`
	ExpectedAt      *string        `json:"expected_at,omitempty" format:"date-time"`
	Version         int            `json:"version"`
	Source          string         `json:"source"`
	CreatedBy       string         `json:"created_by"`
	Context         map[string]any `json:"context,omitempty"`
	SupersededBy    *string        `json:"superseded_by,omitempty"`
	SupersededAt    *string        `json:"superseded_at,omitempty" format:"date-time"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type ExceptionResponse struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	ExpectationID    string         `json:"expectation_id"`
	ExceptionType    string         `json:"exception_type" enum:"late,early,non_occurrence,exceeded,under"`
	Status           string         `json:"status" enum:"open,acknowledged,resolved,dismissed"`
	ActualValue      map[string]any `json:"actual_value,omitempty"`
	OccurredAt       string         `json:"occurred_at" format:"date-time"`
	DeviationAmount  *float64       `json:"deviation_amount,omitempty"`
	DeviationUnit    *string        `json:"deviation_unit,omitempty"`
	DetectedAt       string         `json:"detected_at" format:"date-time"`
	AcknowledgedBy   *string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *string        `json:"acknowledged_at,omitempty" format:"date-time"`
	RootCause        *string        `json:"root_cause,omitempty"`
	CorrectiveAction *string        `json:"corrective_action,omitempty"`
	PreventiveAction *string        `json:"preventive_action,omitempty"`
	Resolution       map[string]any `json:"resolution,omitempty"`
	ResolvedAt       *string        `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

type AdvanceResponse struct {
	Operation domain.Operation         `json:"operation"`
	Admission domain.AdmissionDecision `json:"admission"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type TenantConfigResponse struct {
	Tenant       tenantConfigSection       `json:"tenant"`
	Flow         flowConfigSection         `json:"flow"`
	Expectations expectationsConfigSection `json:"expectations"`
}

type tenantConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type flowConfigSection struct {
	DeviationToleranceMinutes float64 `json:"deviation_tolerance_minutes"`
	WarningRatio              float64 `json:"warning_ratio"`
}

type expectationsConfigSection struct {
	Sources map[string]struct {
		Description string `json:"description"`
	} `json:"sources"`
}

type expectationList struct {
	Items []ExpectationResponse `json:"items"`
}

type exceptionList struct {
	Items []ExceptionResponse `json:"items"`
}

type paginatedJobs struct {
	Items      []domain.Job `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse(t)
}

func expectationResponse(e domain.Expectation) ExpectationResponse {
	return ExpectationResponse{
		ID:              e.ID,
		TenantID:        e.TenantID,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		ExpectationType: e.ExpectationType,
		Statement:       e.Statement,
		ExpectedValue:   decodeJSONMap(strPtr(e.ExpectedValueJSON)),
		ExpectedAt:      e.ExpectedAt,
		Version:         e.Version,
		Source:          e.Source,
		CreatedBy:       e.CreatedBy,
		Context:         decodeJSONMap(strPtr(e.ContextJSON)),
		SupersededBy:    e.SupersededBy,
		SupersededAt:    e.SupersededAt,
		CreatedAt:       e.CreatedAt,
	}
}

func exceptionResponse(x domain.Exception) ExceptionResponse {
	return ExceptionResponse{
		ID:               x.ID,
		TenantID:         x.TenantID,
		ExpectationID:    x.ExpectationID,
		ExceptionType:    x.ExceptionType,
		Status:           x.Status,
		ActualValue:      decodeJSONMap(strPtr(x.ActualValueJSON)),
		OccurredAt:       x.OccurredAt,
		DeviationAmount:  x.DeviationAmount,
		DeviationUnit:    x.DeviationUnit,
		DetectedAt:       x.DetectedAt,
		AcknowledgedBy:   x.AcknowledgedBy,
		AcknowledgedAt:   x.AcknowledgedAt,
		RootCause:        x.RootCause,
		CorrectiveAction: x.CorrectiveAction,
		PreventiveAction: x.PreventiveAction,
		Resolution:       decodeJSONMap(x.ResolutionJSON),
		ResolvedAt:       x.ResolvedAt,
		CreatedAt:        x.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TenantID:   e.TenantID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) TenantConfigResponse {
	res := TenantConfigResponse{
		Tenant: tenantConfigSection{
			ID:   cfg.Tenant.ID,
			Name: cfg.Tenant.Name,
		},
		Flow: flowConfigSection{
			DeviationToleranceMinutes: cfg.Flow.DeviationToleranceMinutes,
			WarningRatio:              cfg.Flow.WarningRatio,
		},
		Expectations: expectationsConfigSection{
			Sources: map[string]struct {
				Description string `json:"description"`
			}{},
		},
	}
	for k, v := range cfg.Expectations.Sources {
		res.Expectations.Sources[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	return res
}

func mapExpectations(items []domain.Expectation) []ExpectationResponse {
	res := make([]ExpectationResponse, 0, len(items))
	for _, e := range items {
		res = append(res, expectationResponse(e))
	}
	return res
}

func mapExceptions(items []domain.Exception) []ExceptionResponse {
	res := make([]ExceptionResponse, 0, len(items))
	for _, x := range items {
		res = append(res, exceptionResponse(x))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strPtr(in string) *string {
	return &in
}
