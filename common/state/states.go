package state

// State identifies a node in the workflow graph. The enumeration is closed:
// persisted documents carrying anything else are refused by the engine.
type State string

const (
	StateNewRequest            State = "new_request"
	StateRequirementsGathering State = "requirements_gathering"
	StateRequirementsReview    State = "requirements_review"
	StateFeasibilityValidation State = "feasibility_validation"
	StatePhenotypeReview       State = "phenotype_review"
	StateScheduleKickoff       State = "schedule_kickoff"
	StateExtractionApproval    State = "extraction_approval"
	StateDataExtraction        State = "data_extraction"
	StateQAValidation          State = "qa_validation"
	StateQAReview              State = "qa_review"
	StateDataDelivery          State = "data_delivery"
	StateComplete              State = "complete"
	StateNotFeasible           State = "not_feasible"
	StateQAFailed              State = "qa_failed"
	StateHumanReview           State = "human_review"
)

// AllStates lists every member of the enumeration in topological order
// (terminals last).
var AllStates = []State{
	StateNewRequest,
	StateRequirementsGathering,
	StateRequirementsReview,
	StateFeasibilityValidation,
	StatePhenotypeReview,
	StateScheduleKickoff,
	StateExtractionApproval,
	StateDataExtraction,
	StateQAValidation,
	StateQAReview,
	StateDataDelivery,
	StateComplete,
	StateNotFeasible,
	StateQAFailed,
	StateHumanReview,
}

// Valid reports whether s is a member of the enumeration.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateNotFeasible, StateQAFailed, StateHumanReview:
		return true
	}
	return false
}

// Gate reports whether s is a human approval gate.
func (s State) Gate() bool {
	switch s {
	case StateRequirementsReview, StatePhenotypeReview, StateExtractionApproval, StateQAReview:
		return true
	}
	return false
}

// LoopSite names a loop-bearing node for iteration accounting.
type LoopSite string

const (
	LoopRequirements LoopSite = "requirements"
	LoopPhenotype    LoopSite = "phenotype"
	LoopQAReextract  LoopSite = "qa_reextract"
)
