package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalType identifies what material a gate puts under review.
type ApprovalType string

const (
	ApprovalRequirements ApprovalType = "requirements"
	ApprovalPhenotypeSQL ApprovalType = "phenotype_sql"
	ApprovalExtraction   ApprovalType = "extraction"
	ApprovalQA           ApprovalType = "qa"
	ApprovalScopeChange  ApprovalType = "scope_change"
)

// Valid reports whether t is a known approval type.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalRequirements, ApprovalPhenotypeSQL, ApprovalExtraction, ApprovalQA, ApprovalScopeChange:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle status of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalModified ApprovalStatus = "modified"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// TerminalStatus reports whether the approval can no longer change.
func (s ApprovalStatus) TerminalStatus() bool {
	return s != ApprovalPending
}

// Approval is a human decision record. Created pending by a gate node, it
// transitions exactly once to a terminal status and is never reopened; a
// new record is created for each loop iteration.
type Approval struct {
	ApprovalID  string          `json:"approval_id"`
	RequestID   string          `json:"request_id"`
	Type        ApprovalType    `json:"approval_type"`
	Status      ApprovalStatus  `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	Reviewer    string          `json:"reviewer,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	// Payload is a snapshot of the material under review.
	Payload json.RawMessage `json:"payload,omitempty"`
	// ModifiedPayload carries the reviewer's edits when Status is modified.
	ModifiedPayload json.RawMessage `json:"modified_payload,omitempty"`
	SLADeadline     time.Time       `json:"sla_deadline"`
}

// NewApproval creates a pending approval with a payload snapshot.
func NewApproval(requestID string, approvalType ApprovalType, payload json.RawMessage, sla time.Duration) *Approval {
	now := time.Now().UTC()
	return &Approval{
		ApprovalID:  uuid.NewString(),
		RequestID:   requestID,
		Type:        approvalType,
		Status:      ApprovalPending,
		SubmittedAt: now,
		Payload:     payload,
		SLADeadline: now.Add(sla),
	}
}

// GateApprovalType maps each gate state to the approval type it creates.
var GateApprovalType = map[State]ApprovalType{
	StateRequirementsReview: ApprovalRequirements,
	StatePhenotypeReview:    ApprovalPhenotypeSQL,
	StateExtractionApproval: ApprovalExtraction,
	StateQAReview:           ApprovalQA,
}

// ModifiableFields declares, per approval type, the document fields a
// reviewer may edit through a `modified` decision. Anything else in the
// modified payload is Invalid.
var ModifiableFields = map[ApprovalType][]string{
	ApprovalRequirements: {"study_title", "inclusion", "exclusion", "time_window", "data_elements", "phi_level"},
	ApprovalPhenotypeSQL: {"phenotype_sql"},
}
