package claims

import (
	"time"

	"github.com/google/uuid"
)

// ClaimStatus is the claim lifecycle state.
type ClaimStatus string

const (
	StatusNew         ClaimStatus = "NEW"
	StatusProcessing  ClaimStatus = "PROCESSING"
	StatusSubmitted   ClaimStatus = "SUBMITTED"
	StatusPending     ClaimStatus = "PENDING"
	StatusComplete    ClaimStatus = "COMPLETE"
	StatusRejected    ClaimStatus = "REJECTED"
	StatusFailed      ClaimStatus = "FAILED"
	StatusError       ClaimStatus = "ERROR"
	StatusCanceled    ClaimStatus = "CANCELED"
	StatusResubmitted ClaimStatus = "RESUBMITTED"
	StatusSimulated   ClaimStatus = "SIMULATED"
)

// ProcessingPath selects internal adjudication vs. external payer forwarding.
// PathAuto is a submission-time value only; it is resolved to internal or
// external before any adjudication work begins.
type ProcessingPath string

const (
	PathInternal ProcessingPath = "internal"
	PathExternal ProcessingPath = "external"
	PathAuto     ProcessingPath = "auto"
)

// Claim priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

// Event types recorded in the claim audit log.
const (
	EventClaimCreated                = "CLAIM_CREATED"
	EventPathSelected                = "PATH_SELECTED"
	EventClaimCanceled               = "CLAIM_CANCELED"
	EventClaimResubmitted            = "CLAIM_RESUBMITTED"
	EventProcessingError             = "PROCESSING_ERROR"
	EventInternalRulesComplete       = "INTERNAL_RULES_COMPLETE"
	EventExternalPayerQueued         = "EXTERNAL_PAYER_QUEUED"
	EventExternalPayerSent           = "EXTERNAL_PAYER_SENT"
	EventExternalPayerRetryScheduled = "EXTERNAL_PAYER_RETRY_SCHEDULED"
	EventExternalPayerFailed         = "EXTERNAL_PAYER_FAILED"
	EventExternalPayerStatus         = "EXTERNAL_PAYER_STATUS"
	EventExternalPayerCompleted      = "EXTERNAL_PAYER_COMPLETED"
	EventExternalPayerRejected       = "EXTERNAL_PAYER_REJECTED"
)

// statusTransitions lists the permitted edges of the claim state machine.
var statusTransitions = map[ClaimStatus][]ClaimStatus{
	StatusNew:         {StatusProcessing, StatusCanceled},
	StatusProcessing:  {StatusSubmitted, StatusSimulated, StatusComplete, StatusRejected, StatusFailed, StatusError, StatusCanceled},
	StatusSubmitted:   {StatusPending, StatusFailed, StatusError},
	StatusPending:     {StatusComplete, StatusRejected, StatusFailed, StatusCanceled},
	StatusFailed:      {StatusResubmitted},
	StatusError:       {StatusResubmitted, StatusCanceled},
	StatusRejected:    {StatusResubmitted},
	StatusCanceled:    {StatusResubmitted},
	StatusResubmitted: {StatusProcessing, StatusCanceled},
}

// CanTransition reports whether the state machine permits moving from one
// claim status to another.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions other
// than resubmission.
func (s ClaimStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusSimulated, StatusFailed, StatusRejected, StatusCanceled:
		return true
	}
	return false
}

var validPriorities = map[string]bool{
	PriorityLow: true, PriorityNormal: true, PriorityUrgent: true,
}

var validPaths = map[ProcessingPath]bool{
	PathInternal: true, PathExternal: true, PathAuto: true,
}

// Claim is one request for adjudication or payment.
type Claim struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	PatientID        string         `db:"patient_id" json:"patient_id"`
	ProviderID       string         `db:"provider_id" json:"provider_id"`
	OrganizationID   *string        `db:"organization_id" json:"organization_id,omitempty"`
	PayerID          *string        `db:"payer_id" json:"payer_id,omitempty"`
	ClaimType        string         `db:"claim_type" json:"claim_type"`
	Status           ClaimStatus    `db:"status" json:"status"`
	ProcessingPath   ProcessingPath `db:"processing_path" json:"processing_path"`
	Priority         string         `db:"priority" json:"priority"`
	ServiceDate      time.Time      `db:"service_date" json:"service_date"`
	SubmissionDate   time.Time      `db:"submission_date" json:"submission_date"`
	ProcessedDate    *time.Time     `db:"processed_date" json:"processed_date,omitempty"`
	SimulationResult *string        `db:"simulation_result" json:"simulation_result,omitempty"`
	LastStatusUpdate time.Time      `db:"last_status_update" json:"last_status_update"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ClaimLineItem is one billed service line, owned by a claim. Line items are
// immutable after submission.
type ClaimLineItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ClaimID     uuid.UUID `db:"claim_id" json:"claim_id"`
	ServiceCode string    `db:"service_code" json:"service_code"`
	Description *string   `db:"description" json:"description,omitempty"`
	Amount      float64   `db:"amount" json:"amount"`
	Quantity    int       `db:"quantity" json:"quantity"`
	ServiceDate time.Time `db:"service_date" json:"service_date"`
}

// TotalAmount sums line item amounts; it is the sole input to automatic path
// selection.
func TotalAmount(items []*ClaimLineItem) float64 {
	var total float64
	for _, it := range items {
		total += it.Amount
	}
	return total
}

// ClaimEvent is one append-only audit record for a claim. Events are never
// updated or deleted, and a failed event write never aborts the operation
// that triggered it.
type ClaimEvent struct {
	ID        uuid.UUID              `db:"id" json:"id"`
	ClaimID   uuid.UUID              `db:"claim_id" json:"claim_id"`
	ForwardID *uuid.UUID             `db:"forward_id" json:"forward_id,omitempty"`
	EventType string                 `db:"event_type" json:"event_type"`
	Status    ClaimStatus            `db:"status" json:"status"`
	Details   map[string]interface{} `db:"details" json:"details,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}

// Statistics aggregates the claim store for reporting. All fields are
// zero-valued when the store is empty.
type Statistics struct {
	TotalClaims        int            `json:"total_claims"`
	ByStatus           map[string]int `json:"by_status"`
	ByType             map[string]int `json:"by_type"`
	AvgProcessingHours float64        `json:"avg_processing_hours"`
	AvgClaimAmount     float64        `json:"avg_claim_amount"`
}

// SearchFilters narrows claim list queries. Zero values are ignored.
type SearchFilters struct {
	Status    ClaimStatus
	PatientID string
	PayerID   string
	ClaimType string
	Path      ProcessingPath
	From      *time.Time
	To        *time.Time
}
