package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is stamped into every persisted document. Forward
// migrations are additive (new optional fields only), so a document written
// at any version <= CurrentSchemaVersion stays loadable. Documents written
// at a NEWER version are refused and escalated.
const CurrentSchemaVersion = 1

// PHILevel is the de-identification level applied to delivered data.
type PHILevel string

const (
	PHIIdentified     PHILevel = "identified"
	PHILimitedDataset PHILevel = "limited_dataset"
	PHIDeIdentified   PHILevel = "de_identified"
)

// Decision is the outcome of a human review.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Review records a gate outcome on the workflow document. A nil *Review is
// the unset tri-state; once set it is cleared only by the loop-back node,
// which also increments the loop's iteration counter.
type Review struct {
	Decision  Decision   `json:"decision"`
	Reason    string     `json:"reason,omitempty"`
	Reviewer  string     `json:"reviewer,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Approved reports whether the review ended in approval.
func (r *Review) Approved() bool {
	return r != nil && r.Decision == DecisionApproved
}

// Rejected reports whether the review ended in rejection.
func (r *Review) Rejected() bool {
	return r != nil && r.Decision == DecisionRejected
}

// Researcher identifies the requesting researcher. Set at creation.
type Researcher struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Department string `json:"department"`
	IRBNumber  string `json:"irb_number"`
}

// TimeWindow bounds the cohort observation period.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Requirements is the structured cohort definition extracted from the
// natural-language request. Mutable until requirements approval.
type Requirements struct {
	StudyTitle   string     `json:"study_title"`
	Inclusion    []string   `json:"inclusion"`
	Exclusion    []string   `json:"exclusion"`
	TimeWindow   TimeWindow `json:"time_window"`
	DataElements []string   `json:"data_elements"`
	PHILevel     PHILevel   `json:"phi_level"`
}

// ConfidenceInterval bounds the cohort size estimate.
type ConfidenceInterval struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// ElementAvailability describes warehouse coverage for one data element.
type ElementAvailability struct {
	PresentFraction      float64 `json:"present_fraction"`
	CompletenessFraction float64 `json:"completeness_fraction"`
}

// Feasibility is the phenotype agent's verdict on the generated cohort query.
type Feasibility struct {
	Feasible            bool                           `json:"feasible"`
	EstimatedCohortSize int                            `json:"estimated_cohort_size"`
	ConfidenceInterval  ConfidenceInterval             `json:"confidence_interval"`
	DataAvailability    map[string]ElementAvailability `json:"data_availability,omitempty"`
}

// KickoffMeeting records the scheduled project kickoff.
type KickoffMeeting struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Attendees   []string  `json:"attendees"`
	Agenda      string    `json:"agenda"`
}

// Extraction records one extraction run.
type Extraction struct {
	RowCount        int64     `json:"row_count"`
	PHILevelApplied PHILevel  `json:"phi_level_applied"`
	ArtifactURI     string    `json:"artifact_uri"`
	ExtractedAt     time.Time `json:"extracted_at"`
	AttemptNo       int       `json:"attempt_no"`
}

// QAStatus is the overall QA verdict.
type QAStatus string

const (
	QAPassed QAStatus = "passed"
	QAFailed QAStatus = "failed"
)

// QACheck is one quality check result.
type QACheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Severity string `json:"severity,omitempty"`
	Details  string `json:"details,omitempty"`
}

// QAReport is the quality validation result for an extraction.
type QAReport struct {
	OverallStatus QAStatus  `json:"overall_status"`
	Checks        []QACheck `json:"checks"`
}

// Delivery records the delivered artifact.
type Delivery struct {
	ArtifactURI      string    `json:"artifact_uri"`
	Checksum         string    `json:"checksum"`
	DeliveredAt      time.Time `json:"delivered_at"`
	NotificationSent bool      `json:"notification_sent"`
}

// WorkflowError captures the last terminal failure recorded on the document.
type WorkflowError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	FailedNode State  `json:"failed_node"`
	AttemptNo  int    `json:"attempt_no"`
}

// Workflow is the single persisted document per request. Every field any
// node reads or writes lives here; nil pointers distinguish "not yet
// produced" from "explicitly empty".
type Workflow struct {
	SchemaVersion int    `json:"schema_version"`
	RequestID     string `json:"request_id"`
	CurrentState  State  `json:"current_state"`

	Researcher     Researcher `json:"researcher"`
	InitialRequest string     `json:"initial_request"`

	Requirements         *Requirements `json:"requirements,omitempty"`
	CompletenessScore    float64       `json:"completeness_score"`
	RequirementsComplete bool          `json:"requirements_complete"`
	RequirementsApproved *Review       `json:"requirements_approved,omitempty"`

	PhenotypeSQL      string       `json:"phenotype_sql,omitempty"`
	Feasibility       *Feasibility `json:"feasibility,omitempty"`
	PhenotypeApproved *Review      `json:"phenotype_approved,omitempty"`

	KickoffMeeting *KickoffMeeting `json:"kickoff_meeting,omitempty"`

	ExtractionApproved *Review     `json:"extraction_approved,omitempty"`
	Extraction         *Extraction `json:"extraction,omitempty"`

	QAReport   *QAReport `json:"qa_report,omitempty"`
	QAApproved *Review   `json:"qa_approved,omitempty"`

	Delivery *Delivery `json:"delivery,omitempty"`

	Error             *WorkflowError   `json:"error,omitempty"`
	IterationCounters map[LoopSite]int `json:"iteration_counters"`
	EscalationReason  string           `json:"escalation_reason,omitempty"`

	// ConsumedApprovals maps approval type to the id of the last approval
	// whose decision was applied to this document. Gates use it to tell a
	// fresh decision from a prior loop iteration's.
	ConsumedApprovals map[ApprovalType]string `json:"consumed_approvals,omitempty"`

	// Cancelled is the administrative cancellation sentinel; routing
	// interprets it as human_review.
	Cancelled bool `json:"cancelled,omitempty"`

	// Deadline, when set, bounds every agent invocation for this request.
	Deadline *time.Time `json:"deadline,omitempty"`

	AuditRef  string    `json:"audit_ref"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a workflow document in its initial state.
func New(requestID string, researcher Researcher, initialRequest string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		SchemaVersion:     CurrentSchemaVersion,
		RequestID:         requestID,
		CurrentState:      StateNewRequest,
		Researcher:        researcher,
		InitialRequest:    initialRequest,
		IterationCounters: make(map[LoopSite]int),
		AuditRef:          "audit:" + requestID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Iteration returns the attempt count for a loop site (0 if never run).
func (w *Workflow) Iteration(site LoopSite) int {
	return w.IterationCounters[site]
}

// ConsumedApproval reports whether an approval's decision was already
// applied to this document.
func (w *Workflow) ConsumedApproval(approvalType ApprovalType, approvalID string) bool {
	return w.ConsumedApprovals[approvalType] == approvalID
}

// MarkApprovalConsumed records that an approval's decision has been applied.
func (w *Workflow) MarkApprovalConsumed(approvalType ApprovalType, approvalID string) {
	if w.ConsumedApprovals == nil {
		w.ConsumedApprovals = make(map[ApprovalType]string)
	}
	w.ConsumedApprovals[approvalType] = approvalID
}

// IncrementIteration bumps a loop site's counter and returns the new value.
func (w *Workflow) IncrementIteration(site LoopSite) int {
	if w.IterationCounters == nil {
		w.IterationCounters = make(map[LoopSite]int)
	}
	w.IterationCounters[site]++
	return w.IterationCounters[site]
}

// Clone returns a deep copy via the JSON round trip. The document is fully
// JSON-serializable, so this is exact.
func (w *Workflow) Clone() *Workflow {
	data, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("workflow document not serializable: %v", err))
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("workflow document not round-trippable: %v", err))
	}
	return &out
}

// Validate checks the document invariants that must hold after every
// persisted transition.
func (w *Workflow) Validate() error {
	if w.RequestID == "" {
		return fmt.Errorf("workflow missing request_id")
	}
	if !w.CurrentState.Valid() {
		return fmt.Errorf("unknown workflow state %q for request %s", w.CurrentState, w.RequestID)
	}
	if w.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("document schema version %d is newer than supported %d for request %s",
			w.SchemaVersion, CurrentSchemaVersion, w.RequestID)
	}
	if w.QAReport != nil && w.QAReport.OverallStatus == QAFailed &&
		w.CurrentState == StateComplete {
		return fmt.Errorf("failed QA report cannot reach completion for request %s", w.RequestID)
	}
	return nil
}

// FieldOwnership declares, per document field, the single node that may
// first write it. Downstream nodes may read; loop-back nodes may reset the
// fields their loop owns. A handler writing outside its declared slice is a
// programming error caught in tests.
var FieldOwnership = map[string]State{
	"requirements":          StateRequirementsGathering,
	"completeness_score":    StateRequirementsGathering,
	"requirements_complete": StateRequirementsGathering,
	"requirements_approved": StateRequirementsReview,
	"phenotype_sql":         StateFeasibilityValidation,
	"feasibility":           StateFeasibilityValidation,
	"phenotype_approved":    StatePhenotypeReview,
	"kickoff_meeting":       StateScheduleKickoff,
	"extraction_approved":   StateExtractionApproval,
	"extraction":            StateDataExtraction,
	"qa_report":             StateQAValidation,
	"qa_approved":           StateQAReview,
	"delivery":              StateDataDelivery,
}
