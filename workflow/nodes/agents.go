package nodes

import (
	"context"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/state"
)

// intakeNode moves a freshly created request into requirements gathering.
type intakeNode struct {
	deps Deps
}

func (n *intakeNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	return Result{}, advance(doc, n.deps.Caps, rec)
}

// requirementsNode runs the requirements agent. On loop iterations the
// prior requirements and the reviewer's rejection reason feed back into the
// extraction; the consumed review is cleared here, with the counter bump.
type requirementsNode struct {
	deps Deps
}

func (n *requirementsNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	iteration := doc.IncrementIteration(state.LoopRequirements)

	input := agent.GatherInput{
		InitialRequest:    doc.InitialRequest,
		Researcher:        doc.Researcher,
		PriorRequirements: doc.Requirements,
		Iteration:         iteration,
	}
	if doc.RequirementsApproved.Rejected() {
		input.RejectionReason = doc.RequirementsApproved.Reason
	}
	doc.RequirementsApproved = nil

	output, err := invoke(ctx, n.deps, doc, agent.TaskGatherRequirements, input, iteration, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, iteration, state.LoopRequirements, rec)
	}

	result, err := agent.Decode[agent.GatherOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, iteration, state.LoopRequirements, rec)
	}

	doc.Requirements = &result.Requirements
	doc.CompletenessScore = result.CompletenessScore
	doc.RequirementsComplete = result.RequirementsComplete

	return Result{}, advance(doc, n.deps.Caps, rec)
}

// feasibilityNode runs the phenotype agent: cohort SQL generation plus the
// feasibility verdict. An infeasible verdict terminates the workflow.
type feasibilityNode struct {
	deps Deps
}

func (n *feasibilityNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	iteration := doc.IncrementIteration(state.LoopPhenotype)

	input := agent.FeasibilityInput{
		Requirements: *doc.Requirements,
		Iteration:    iteration,
	}
	if doc.PhenotypeApproved.Rejected() {
		input.RejectionReason = doc.PhenotypeApproved.Reason
	}
	doc.PhenotypeApproved = nil

	output, err := invoke(ctx, n.deps, doc, agent.TaskValidateFeasibility, input, iteration, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, iteration, state.LoopPhenotype, rec)
	}

	result, err := agent.Decode[agent.FeasibilityOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, iteration, state.LoopPhenotype, rec)
	}

	doc.PhenotypeSQL = result.PhenotypeSQL
	doc.Feasibility = &result.Feasibility

	return Result{}, advance(doc, n.deps.Caps, rec)
}

// kickoffNode schedules the project kickoff meeting.
type kickoffNode struct {
	deps Deps
}

func (n *kickoffNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	input := agent.KickoffInput{
		Researcher: doc.Researcher,
		StudyTitle: doc.Requirements.StudyTitle,
	}

	output, err := invoke(ctx, n.deps, doc, agent.TaskScheduleKickoff, input, 1, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, 1, "", rec)
	}

	result, err := agent.Decode[agent.KickoffOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, 1, "", rec)
	}

	doc.KickoffMeeting = &result.KickoffMeeting

	return Result{}, advance(doc, n.deps.Caps, rec)
}

// extractionNode runs the extraction agent. Re-extraction after a QA
// rejection clears the consumed QA review and report and bumps the
// qa_reextract counter; the counter doubles as the extraction attempt
// number for invocation-key idempotency.
type extractionNode struct {
	deps Deps
}

func (n *extractionNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	attempt := doc.IncrementIteration(state.LoopQAReextract)
	doc.QAApproved = nil
	doc.QAReport = nil

	input := agent.ExtractInput{
		PhenotypeSQL: doc.PhenotypeSQL,
		DataElements: doc.Requirements.DataElements,
		PHILevel:     doc.Requirements.PHILevel,
		AttemptNo:    attempt,
	}

	output, err := invoke(ctx, n.deps, doc, agent.TaskExtract, input, attempt, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, attempt, state.LoopQAReextract, rec)
	}

	result, err := agent.Decode[agent.ExtractOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, attempt, state.LoopQAReextract, rec)
	}

	doc.Extraction = &result.Extraction
	doc.Extraction.AttemptNo = attempt

	return Result{}, advance(doc, n.deps.Caps, rec)
}

// qaValidationNode runs the QA agent over the latest extraction. The
// report, passed or failed, goes to the QA review gate.
type qaValidationNode struct {
	deps Deps
}

func (n *qaValidationNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	attempt := doc.Iteration(state.LoopQAReextract)
	if attempt == 0 {
		attempt = 1
	}

	input := agent.QAInput{
		Extraction:   *doc.Extraction,
		Requirements: *doc.Requirements,
	}

	output, err := invoke(ctx, n.deps, doc, agent.TaskValidateQuality, input, attempt, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, attempt, "", rec)
	}

	result, err := agent.Decode[agent.QAOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, attempt, "", rec)
	}

	doc.QAReport = &result.QAReport

	return Result{}, advance(doc, n.deps.Caps, rec)
}

// deliveryNode delivers the approved extraction to the researcher.
type deliveryNode struct {
	deps Deps
}

func (n *deliveryNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	input := agent.DeliverInput{
		Extraction: *doc.Extraction,
		Researcher: doc.Researcher,
	}

	output, err := invoke(ctx, n.deps, doc, agent.TaskDeliver, input, 1, rec)
	if err != nil {
		return resolveFailure(n.deps, doc, err, 1, "", rec)
	}

	result, err := agent.Decode[agent.DeliverOutput](output)
	if err != nil {
		return resolveFailure(n.deps, doc, err, 1, "", rec)
	}

	doc.Delivery = &result.Delivery

	return Result{}, advance(doc, n.deps.Caps, rec)
}
