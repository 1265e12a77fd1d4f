package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Cell is one station in a tenant's ordered pipeline. Sequence positions are
// unique per tenant; the "next" cell is the active cell with the smallest
// sequence strictly greater than this one's.
type Cell struct {
	ID                  string `json:"id"`
	TenantID            string `json:"tenant_id"`
	Name                string `json:"name"`
	Sequence            int    `json:"sequence"`
	WIPLimit            *int   `json:"wip_limit,omitempty"`
	WIPWarningThreshold *int   `json:"wip_warning_threshold,omitempty"`
	EnforceWIPLimit     bool   `json:"enforce_wip_limit"`
	ShowCapacityWarning bool   `json:"show_capacity_warning"`
	Active              bool   `json:"active"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

type Job struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	JobNumber   string  `json:"job_number"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"not_started,in_progress,completed,on_hold"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Part struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	JobID      string `json:"job_id"`
	PartNumber string `json:"part_number"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Operation struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	PartID      string  `json:"part_id"`
	CellID      *string `json:"cell_id,omitempty"`
	Name        string  `json:"name"`
	Sequence    int     `json:"sequence"`
	Status      string  `json:"status" enum:"not_started,in_progress,completed,on_hold"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Expectation is one link in an append-only belief chain about a future
// outcome of an entity. Rows are never rewritten; replacing a belief writes a
// new row at version+1 and stamps the old row's supersession fields.
type Expectation struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	EntityType        string  `json:"entity_type" enum:"job,operation,part"`
	EntityID          string  `json:"entity_id"`
	ExpectationType   string  `json:"expectation_type" enum:"completion_time,duration,quantity,delivery"`
	Statement         string  `json:"statement"`
	ExpectedValueJSON string  `json:"expected_value,omitempty"`
	ExpectedAt        *string `json:"expected_at,omitempty" format:"date-time"`
	Version           int     `json:"version"`
	Source            string  `json:"source"`
	CreatedBy         string  `json:"created_by"`
	ContextJSON       string  `json:"context,omitempty"`
	SupersededBy      *string `json:"superseded_by,omitempty"`
	SupersededAt      *string `json:"superseded_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// Exception records a deviation between an Expectation and the observed
// outcome. Resolution metadata is populated only once status leaves open.
type Exception struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenant_id"`
	ExpectationID    string   `json:"expectation_id"`
	ExceptionType    string   `json:"exception_type" enum:"late,early,non_occurrence,exceeded,under"`
	Status           string   `json:"status" enum:"open,acknowledged,resolved,dismissed"`
	ActualValueJSON  string   `json:"actual_value,omitempty"`
	OccurredAt       string   `json:"occurred_at" format:"date-time"`
	DeviationAmount  *float64 `json:"deviation_amount,omitempty"`
	DeviationUnit    *string  `json:"deviation_unit,omitempty"`
	DetectedAt       string   `json:"detected_at" format:"date-time"`
	AcknowledgedBy   *string  `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *string  `json:"acknowledged_at,omitempty" format:"date-time"`
	RootCause        *string  `json:"root_cause,omitempty"`
	CorrectiveAction *string  `json:"corrective_action,omitempty"`
	PreventiveAction *string  `json:"preventive_action,omitempty"`
	ResolutionJSON   *string  `json:"resolution,omitempty"`
	ResolvedAt       *string  `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

// CellMetrics is the gauge reading for one cell.
type CellMetrics struct {
	CellID             string   `json:"cell_id"`
	CellName           string   `json:"cell_name"`
	CurrentWIP         int      `json:"current_wip"`
	WIPLimit           *int     `json:"wip_limit,omitempty"`
	WarningThreshold   *int     `json:"warning_threshold,omitempty"`
	EnforceLimit       bool     `json:"enforce_limit"`
	ShowWarning        bool     `json:"show_warning"`
	UtilizationPercent *float64 `json:"utilization_percent,omitempty"`
	Status             string   `json:"status" enum:"no_limit,at_capacity,warning,normal"`
}

// AdmissionDecision is the answer to "may work advance into the next cell".
type AdmissionDecision struct {
	HasCapacity  bool    `json:"has_capacity"`
	Warning      bool    `json:"warning"`
	NextCellID   *string `json:"next_cell_id,omitempty"`
	NextCellName *string `json:"next_cell_name,omitempty"`
	CurrentWIP   *int    `json:"current_wip,omitempty"`
	WIPLimit     *int    `json:"wip_limit,omitempty"`
	EnforceLimit *bool   `json:"enforce_limit,omitempty"`
	Message      string  `json:"message"`
}

// ExceptionStats summarizes a tenant's exception workload.
type ExceptionStats struct {
	OpenCount              int      `json:"open_count"`
	AcknowledgedCount      int      `json:"acknowledged_count"`
	ResolvedCount          int      `json:"resolved_count"`
	DismissedCount         int      `json:"dismissed_count"`
	TotalCount             int      `json:"total_count"`
	AvgResolutionTimeHours *float64 `json:"avg_resolution_time_hours,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Entity statuses shared by jobs and operations.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusOnHold     = "on_hold"
)

// Capacity statuses reported by the WIP gauge.
const (
	CapacityNoLimit    = "no_limit"
	CapacityAtCapacity = "at_capacity"
	CapacityWarning    = "warning"
	CapacityNormal     = "normal"
)

// Exception lifecycle statuses.
const (
	ExceptionOpen         = "open"
	ExceptionAcknowledged = "acknowledged"
	ExceptionResolved     = "resolved"
	ExceptionDismissed    = "dismissed"
)

// Exception types. Only ExceptionLate has an automatic detector; the rest
// are reachable through the manual creation path.
const (
	ExceptionLate          = "late"
	ExceptionEarly         = "early"
	ExceptionNonOccurrence = "non_occurrence"
	ExceptionExceeded      = "exceeded"
	ExceptionUnder         = "under"
)

// Expectation entity and value types.
const (
	EntityJob       = "job"
	EntityOperation = "operation"
	EntityPart      = "part"

	ExpectationCompletionTime = "completion_time"
	ExpectationDuration       = "duration"
	ExpectationQuantity       = "quantity"
	ExpectationDelivery       = "delivery"
)
