package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/researchflow/common/state"
)

func testCaps() Caps {
	return Caps{Requirements: 5, Phenotype: 5, QAReextract: 3}
}

func docIn(s state.State) *state.Workflow {
	doc := state.New("req-1", state.Researcher{Email: "pi@example.org"}, "diabetes cohort")
	doc.CurrentState = s
	return doc
}

func approved() *state.Review {
	return &state.Review{Decision: state.DecisionApproved}
}

func rejected(reason string) *state.Review {
	return &state.Review{Decision: state.DecisionRejected, Reason: reason}
}

func TestHappyPathTransitions(t *testing.T) {
	caps := testCaps()

	doc := docIn(state.StateNewRequest)
	steps := []struct {
		prepare func(*state.Workflow)
		want    state.State
	}{
		{nil, state.StateRequirementsGathering},
		{nil, state.StateRequirementsReview},
		{func(d *state.Workflow) { d.RequirementsApproved = approved() }, state.StateFeasibilityValidation},
		{func(d *state.Workflow) { d.Feasibility = &state.Feasibility{Feasible: true} }, state.StatePhenotypeReview},
		{func(d *state.Workflow) { d.PhenotypeApproved = approved() }, state.StateScheduleKickoff},
		{nil, state.StateExtractionApproval},
		{func(d *state.Workflow) { d.ExtractionApproved = approved() }, state.StateDataExtraction},
		{nil, state.StateQAValidation},
		{nil, state.StateQAReview},
		{func(d *state.Workflow) {
			d.QAApproved = approved()
			d.QAReport = &state.QAReport{OverallStatus: state.QAPassed}
		}, state.StateDataDelivery},
		{nil, state.StateComplete},
	}

	for _, step := range steps {
		if step.prepare != nil {
			step.prepare(doc)
		}
		decision, err := Next(doc, caps)
		require.NoError(t, err, "from %s", doc.CurrentState)
		assert.Equal(t, step.want, decision.Next, "from %s", doc.CurrentState)
		doc.CurrentState = decision.Next
	}
	assert.True(t, doc.CurrentState.Terminal())
}

func TestRequirementsRejectionLoopsBack(t *testing.T) {
	doc := docIn(state.StateRequirementsReview)
	doc.IterationCounters[state.LoopRequirements] = 1
	doc.RequirementsApproved = rejected("missing time period")

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateRequirementsGathering, decision.Next)
	assert.Empty(t, decision.EscalationReason)
}

func TestRequirementsRejectionAtCapEscalates(t *testing.T) {
	doc := docIn(state.StateRequirementsReview)
	doc.IterationCounters[state.LoopRequirements] = 5
	doc.RequirementsApproved = rejected("still incomplete")

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateHumanReview, decision.Next)
	assert.Contains(t, decision.EscalationReason, "iteration cap")
}

func TestPhenotypeRejectionLoopsToFeasibility(t *testing.T) {
	doc := docIn(state.StatePhenotypeReview)
	doc.IterationCounters[state.LoopPhenotype] = 2
	doc.PhenotypeApproved = rejected("wrong codes")

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateFeasibilityValidation, decision.Next)
}

func TestInfeasibleVerdictTerminates(t *testing.T) {
	doc := docIn(state.StateFeasibilityValidation)
	doc.Feasibility = &state.Feasibility{Feasible: false, EstimatedCohortSize: 0}

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateNotFeasible, decision.Next)
	assert.Equal(t, NotFeasibleReason, decision.EscalationReason)
}

func TestExtractionRejectionIsTerminal(t *testing.T) {
	doc := docIn(state.StateExtractionApproval)
	doc.ExtractionApproved = rejected("IRB scope concern")

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateHumanReview, decision.Next)
	assert.Contains(t, decision.EscalationReason, "IRB scope concern")
}

func TestQARejectionLoopsToExtraction(t *testing.T) {
	doc := docIn(state.StateQAReview)
	doc.IterationCounters[state.LoopQAReextract] = 1
	doc.QAApproved = rejected("duplicates found")
	doc.QAReport = &state.QAReport{OverallStatus: state.QAFailed}

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateDataExtraction, decision.Next)
}

func TestQARejectionAtCapEscalates(t *testing.T) {
	doc := docIn(state.StateQAReview)
	doc.IterationCounters[state.LoopQAReextract] = 3
	doc.QAApproved = rejected("still broken")
	doc.QAReport = &state.QAReport{OverallStatus: state.QAFailed}

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateHumanReview, decision.Next)
}

func TestQAApprovalWithFailedReportTerminates(t *testing.T) {
	doc := docIn(state.StateQAReview)
	doc.QAApproved = approved()
	doc.QAReport = &state.QAReport{OverallStatus: state.QAFailed}

	decision, err := Next(doc, testCaps())
	require.NoError(t, err)
	assert.Equal(t, state.StateQAFailed, decision.Next)
}

func TestCancellationSentinelWinsEverywhere(t *testing.T) {
	for _, s := range state.AllStates {
		if s.Terminal() {
			continue
		}
		doc := docIn(s)
		doc.Cancelled = true

		decision, err := Next(doc, testCaps())
		require.NoError(t, err, "from %s", s)
		assert.Equal(t, state.StateHumanReview, decision.Next, "from %s", s)
	}
}

func TestUndecidedGateIsAnError(t *testing.T) {
	for _, gate := range []state.State{
		state.StateRequirementsReview,
		state.StatePhenotypeReview,
		state.StateExtractionApproval,
		state.StateQAReview,
	} {
		_, err := Next(docIn(gate), testCaps())
		assert.Error(t, err, "gate %s", gate)
	}
}

func TestTerminalStatesHaveNoSuccessor(t *testing.T) {
	for _, s := range state.AllStates {
		if !s.Terminal() {
			continue
		}
		_, err := Next(docIn(s), testCaps())
		assert.Error(t, err, "terminal %s", s)
	}
}

func TestUnknownStateRefused(t *testing.T) {
	doc := docIn(state.State("mystery"))
	_, err := Next(doc, testCaps())
	assert.Error(t, err)
}

func TestZeroCapEscalatesOnFirstRejection(t *testing.T) {
	doc := docIn(state.StateRequirementsReview)
	doc.IterationCounters[state.LoopRequirements] = 1
	doc.RequirementsApproved = rejected("no")

	decision, err := Next(doc, Caps{Requirements: 0, Phenotype: 5, QAReextract: 3})
	require.NoError(t, err)
	assert.Equal(t, state.StateHumanReview, decision.Next)
}
