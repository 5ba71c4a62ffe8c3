// Package routing holds the pure transition function of the workflow graph.
// It reads only the document and the configured loop caps; all effects
// (agent calls, approvals, persistence) belong to node handlers.
package routing

import (
	"fmt"

	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/state"
)

// NotFeasibleReason is the operator-visible reason recorded when the
// phenotype verdict rules the cohort out.
const NotFeasibleReason = "Cohort size too small or infeasible criteria"

// Caps bounds each loop site.
type Caps struct {
	Requirements int
	Phenotype    int
	QAReextract  int
}

// CapsFromConfig converts the config surface into routing caps.
func CapsFromConfig(caps config.IterationCaps) Caps {
	return Caps{
		Requirements: caps.Requirements,
		Phenotype:    caps.Phenotype,
		QAReextract:  caps.QAReextract,
	}
}

// For returns the cap for a loop site.
func (c Caps) For(site state.LoopSite) int {
	switch site {
	case state.LoopRequirements:
		return c.Requirements
	case state.LoopPhenotype:
		return c.Phenotype
	case state.LoopQAReextract:
		return c.QAReextract
	}
	return 0
}

// Decision is the routed outcome: the next state plus, when the next state
// is an escalation or rejection terminal, the reason to record.
type Decision struct {
	Next             state.State
	EscalationReason string
}

func forward(next state.State) Decision {
	return Decision{Next: next}
}

func escalate(next state.State, reason string) Decision {
	return Decision{Next: next, EscalationReason: reason}
}

// Next computes the successor of the document's current state. It is called
// after the current node finished its work: node outputs are written, gate
// review fields are set. Calling it on an undecided gate or a terminal state
// is a programming error.
func Next(doc *state.Workflow, caps Caps) (Decision, error) {
	if doc.Cancelled {
		return escalate(state.StateHumanReview, "cancelled by administrator"), nil
	}

	switch doc.CurrentState {
	case state.StateNewRequest:
		return forward(state.StateRequirementsGathering), nil

	case state.StateRequirementsGathering:
		return forward(state.StateRequirementsReview), nil

	case state.StateRequirementsReview:
		return gateDecision(doc, doc.RequirementsApproved, state.LoopRequirements,
			state.StateFeasibilityValidation, state.StateRequirementsGathering, caps)

	case state.StateFeasibilityValidation:
		if doc.Feasibility == nil {
			return Decision{}, fmt.Errorf("routing from %s requires a feasibility verdict", doc.CurrentState)
		}
		if !doc.Feasibility.Feasible {
			return escalate(state.StateNotFeasible, NotFeasibleReason), nil
		}
		return forward(state.StatePhenotypeReview), nil

	case state.StatePhenotypeReview:
		return gateDecision(doc, doc.PhenotypeApproved, state.LoopPhenotype,
			state.StateScheduleKickoff, state.StateFeasibilityValidation, caps)

	case state.StateScheduleKickoff:
		return forward(state.StateExtractionApproval), nil

	case state.StateExtractionApproval:
		// Extraction rejection has no loop predecessor: it terminates in
		// human review.
		if doc.ExtractionApproved == nil {
			return Decision{}, fmt.Errorf("routing from %s requires a recorded decision", doc.CurrentState)
		}
		if doc.ExtractionApproved.Rejected() {
			return escalate(state.StateHumanReview, rejectionReason(doc.ExtractionApproved, "extraction approval rejected")), nil
		}
		return forward(state.StateDataExtraction), nil

	case state.StateDataExtraction:
		return forward(state.StateQAValidation), nil

	case state.StateQAValidation:
		// The QA report, passed or failed, always goes to the review gate.
		return forward(state.StateQAReview), nil

	case state.StateQAReview:
		if doc.QAApproved == nil {
			return Decision{}, fmt.Errorf("routing from %s requires a recorded decision", doc.CurrentState)
		}
		if doc.QAApproved.Rejected() {
			return loopBack(doc, state.LoopQAReextract, state.StateDataExtraction, caps), nil
		}
		if doc.QAReport == nil {
			return Decision{}, fmt.Errorf("routing from %s requires a qa report", doc.CurrentState)
		}
		if doc.QAReport.OverallStatus == state.QAFailed {
			// A failed report can be acknowledged but never delivered.
			return escalate(state.StateQAFailed, "qa report failed and was acknowledged by reviewer"), nil
		}
		return forward(state.StateDataDelivery), nil

	case state.StateDataDelivery:
		return forward(state.StateComplete), nil
	}

	if doc.CurrentState.Terminal() {
		return Decision{}, fmt.Errorf("no transitions from terminal state %s", doc.CurrentState)
	}
	return Decision{}, fmt.Errorf("unknown workflow state %q", doc.CurrentState)
}

// gateDecision routes a decided review gate that has a loop predecessor.
func gateDecision(doc *state.Workflow, review *state.Review, site state.LoopSite,
	onApprove, loopTarget state.State, caps Caps) (Decision, error) {

	if review == nil {
		return Decision{}, fmt.Errorf("routing from %s requires a recorded decision", doc.CurrentState)
	}
	if review.Rejected() {
		return loopBack(doc, site, loopTarget, caps), nil
	}
	return forward(onApprove), nil
}

// loopBack re-enters the loop predecessor unless the site's counter has
// reached its cap, in which case the workflow escalates.
func loopBack(doc *state.Workflow, site state.LoopSite, target state.State, caps Caps) Decision {
	if doc.Iteration(site) >= caps.For(site) {
		return escalate(state.StateHumanReview,
			fmt.Sprintf("iteration cap reached for %s (%d)", site, caps.For(site)))
	}
	return forward(target)
}

func rejectionReason(review *state.Review, fallback string) string {
	if review != nil && review.Reason != "" {
		return fmt.Sprintf("%s: %s", fallback, review.Reason)
	}
	return fallback
}
