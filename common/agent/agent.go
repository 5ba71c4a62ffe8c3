package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianhealth/researchflow/common/state"
)

// Task names one unit of domain work an agent performs.
type Task string

const (
	TaskGatherRequirements  Task = "requirements_agent.gather"
	TaskValidateFeasibility Task = "phenotype_agent.validate_feasibility"
	TaskScheduleKickoff     Task = "calendar_agent.schedule_kickoff"
	TaskExtract             Task = "extraction_agent.extract"
	TaskValidateQuality     Task = "qa_agent.validate"
	TaskDeliver             Task = "delivery_agent.deliver"
)

// AllAgentIDs lists every agent the workflow depends on.
var AllAgentIDs = []string{
	"requirements_agent",
	"phenotype_agent",
	"calendar_agent",
	"extraction_agent",
	"qa_agent",
	"delivery_agent",
}

// AgentID returns the agent that owns a task.
func (t Task) AgentID() string {
	switch t {
	case TaskGatherRequirements:
		return "requirements_agent"
	case TaskValidateFeasibility:
		return "phenotype_agent"
	case TaskScheduleKickoff:
		return "calendar_agent"
	case TaskExtract:
		return "extraction_agent"
	case TaskValidateQuality:
		return "qa_agent"
	case TaskDeliver:
		return "delivery_agent"
	}
	return ""
}

// InvocationKey deterministically identifies one node attempt. Agents use
// it to deduplicate side effects across crash-recovery re-runs.
type InvocationKey struct {
	RequestID string      `json:"request_id"`
	Node      state.State `json:"node"`
	AttemptNo int         `json:"attempt_no"`
}

func (k InvocationKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.RequestID, k.Node, k.AttemptNo)
}

// Invocation is the context record handed to every agent call.
type Invocation struct {
	RequestID     string
	InvocationKey InvocationKey
	Deadline      time.Time
}

// Agent executes domain tasks. Implementations are stateless with respect
// to workflow state: they receive inputs explicitly and return outputs
// explicitly, and must not touch workflow storage. Cancellation is honored
// cooperatively through ctx.
type Agent interface {
	Execute(ctx context.Context, task Task, input any, inv Invocation) (any, error)
}

// Task payload records. Only the listed fields are contractually required;
// agents may carry extra fields that round-trip as opaque JSON.

// GatherInput feeds requirements_agent.gather. On loop iterations it
// carries the prior requirements and the reviewer's rejection reason as
// accumulated context.
type GatherInput struct {
	InitialRequest    string              `json:"initial_request"`
	Researcher        state.Researcher    `json:"researcher"`
	PriorRequirements *state.Requirements `json:"prior_requirements,omitempty"`
	RejectionReason   string              `json:"rejection_reason,omitempty"`
	Iteration         int                 `json:"iteration"`
}

// GatherOutput is the structured cohort definition extraction result.
type GatherOutput struct {
	Requirements         state.Requirements `json:"requirements"`
	CompletenessScore    float64            `json:"completeness_score"`
	RequirementsComplete bool               `json:"requirements_complete"`
}

// FeasibilityInput feeds phenotype_agent.validate_feasibility.
type FeasibilityInput struct {
	Requirements    state.Requirements `json:"requirements"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	Iteration       int                `json:"iteration"`
}

// FeasibilityOutput carries the generated cohort query and its verdict.
type FeasibilityOutput struct {
	PhenotypeSQL string            `json:"phenotype_sql"`
	Feasibility  state.Feasibility `json:"feasibility"`
}

// KickoffInput feeds calendar_agent.schedule_kickoff.
type KickoffInput struct {
	Researcher state.Researcher `json:"researcher"`
	StudyTitle string           `json:"study_title"`
}

// KickoffOutput records the scheduled meeting.
type KickoffOutput struct {
	KickoffMeeting state.KickoffMeeting `json:"kickoff_meeting"`
}

// ExtractInput feeds extraction_agent.extract.
type ExtractInput struct {
	PhenotypeSQL string         `json:"phenotype_sql"`
	DataElements []string       `json:"data_elements"`
	PHILevel     state.PHILevel `json:"phi_level"`
	AttemptNo    int            `json:"attempt_no"`
}

// ExtractOutput records the extraction run.
type ExtractOutput struct {
	Extraction state.Extraction `json:"extraction"`
}

// QAInput feeds qa_agent.validate.
type QAInput struct {
	Extraction   state.Extraction   `json:"extraction"`
	Requirements state.Requirements `json:"requirements"`
}

// QAOutput carries the quality report.
type QAOutput struct {
	QAReport state.QAReport `json:"qa_report"`
}

// DeliverInput feeds delivery_agent.deliver.
type DeliverInput struct {
	Extraction state.Extraction `json:"extraction"`
	Researcher state.Researcher `json:"researcher"`
}

// DeliverOutput records the delivered artifact.
type DeliverOutput struct {
	Delivery state.Delivery `json:"delivery"`
}

// Decode converts an agent output into the expected record type. In-process
// agents return the typed record directly; remote adapters return raw JSON
// that is decoded here.
func Decode[T any](output any) (*T, error) {
	if typed, ok := output.(*T); ok {
		return typed, nil
	}
	if typed, ok := output.(T); ok {
		return &typed, nil
	}

	var data []byte
	switch v := output.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		marshaled, err := json.Marshal(output)
		if err != nil {
			return nil, NewError(KindMalformed, "", "agent output not decodable: %v", err)
		}
		data = marshaled
	}

	var typed T
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, NewError(KindMalformed, "", "agent output does not match contract: %v", err)
	}
	return &typed, nil
}
