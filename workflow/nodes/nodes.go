// Package nodes implements the workflow's node handlers: automated agent
// nodes and human approval gates. Handlers mutate the in-memory document
// and record audit events; the engine owns leasing and persistence.
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/approval"
	"github.com/meridianhealth/researchflow/workflow/routing"
)

// Recorder accumulates the audit events of one engine step. Everything a
// handler records is persisted atomically with the document save.
type Recorder struct {
	events []state.AuditEvent
}

// Add appends one event.
func (r *Recorder) Add(event state.AuditEvent) {
	r.events = append(r.events, event)
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []state.AuditEvent {
	return r.events
}

// Result is a handler's verdict for one step.
type Result struct {
	// Park means the workflow is waiting on an external decision; the
	// engine persists any recorded events and releases the lease.
	Park bool
}

// Handler executes the node the document is currently in. On return
// (unless parked) doc.CurrentState holds the routed successor.
type Handler interface {
	Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error)
}

// Deps carries everything handlers need.
type Deps struct {
	Adapter *agent.Adapter
	Store   store.Store
	Caps    routing.Caps
	// SLA is the default approval deadline for new gate records.
	SLA time.Duration
	// AgentTimeout bounds each agent invocation absent a workflow deadline.
	AgentTimeout  time.Duration
	TimeoutPolicy *approval.TimeoutPolicy
	Log           *logger.Logger
}

// Registry maps each non-terminal state to its handler.
type Registry map[state.State]Handler

// NewRegistry builds the full node set.
func NewRegistry(deps Deps) Registry {
	return Registry{
		state.StateNewRequest:            &intakeNode{deps},
		state.StateRequirementsGathering: &requirementsNode{deps},
		state.StateRequirementsReview:    newGate(deps, state.StateRequirementsReview),
		state.StateFeasibilityValidation: &feasibilityNode{deps},
		state.StatePhenotypeReview:       newGate(deps, state.StatePhenotypeReview),
		state.StateScheduleKickoff:       &kickoffNode{deps},
		state.StateExtractionApproval:    newGate(deps, state.StateExtractionApproval),
		state.StateDataExtraction:        &extractionNode{deps},
		state.StateQAValidation:          &qaValidationNode{deps},
		state.StateQAReview:              newGate(deps, state.StateQAReview),
		state.StateDataDelivery:          &deliveryNode{deps},
	}
}

// advance routes the document forward after a node finished its work. A
// recorded failure from an earlier pass of the node is cleared: the node
// evidently succeeded this time.
func advance(doc *state.Workflow, caps routing.Caps, rec *Recorder) error {
	from := doc.CurrentState
	doc.Error = nil
	decision, err := routing.Next(doc, caps)
	if err != nil {
		return err
	}

	doc.CurrentState = decision.Next
	if decision.EscalationReason != "" {
		doc.EscalationReason = decision.EscalationReason
	}

	rec.Add(state.NewEvent(doc.RequestID, state.AuditNodeExited, from, state.ActorSystem,
		map[string]any{"next": string(decision.Next)}))

	if decision.Next == state.StateHumanReview || decision.Next == state.StateNotFeasible {
		rec.Add(state.NewEvent(doc.RequestID, state.AuditEscalated, from, state.ActorSystem,
			map[string]any{"reason": doc.EscalationReason}))
	}
	return nil
}

// invoke runs one agent task with the node's invocation key and the
// workflow deadline folded into the timeout.
func invoke(ctx context.Context, deps Deps, doc *state.Workflow, task agent.Task,
	input any, attemptNo int, rec *Recorder) (any, error) {

	timeout := deps.AgentTimeout
	if doc.Deadline != nil {
		if remaining := time.Until(*doc.Deadline); remaining < timeout {
			timeout = remaining
		}
	}

	return deps.Adapter.Invoke(ctx, agent.InvokeRequest{
		Task:  task,
		Input: input,
		Key: agent.InvocationKey{
			RequestID: doc.RequestID,
			Node:      doc.CurrentState,
			AttemptNo: attemptNo,
		},
		Timeout: timeout,
		Audit:   rec.Add,
	})
}

// resolveFailure turns a failed agent invocation into the workflow's next
// step. Cancellation means the worker is shutting down, not that the
// request failed: the error surfaces so the engine leaves the workflow
// claimable and another worker resumes it. Other terminal failures are
// recorded on the document; a node with a retry loop re-enters itself
// while its iteration counter is below the cap, everything else escalates
// to human review. Retryable failures never reach here; the adapter
// either recovered them or elevated them.
func resolveFailure(deps Deps, doc *state.Workflow, err error, attemptNo int,
	site state.LoopSite, rec *Recorder) (Result, error) {

	kind := agent.Classify(err)
	if kind == agent.KindCancelled {
		return Result{}, err
	}

	doc.Error = &state.WorkflowError{
		Kind:       string(kind),
		Message:    err.Error(),
		FailedNode: doc.CurrentState,
		AttemptNo:  attemptNo,
	}

	if site != "" && doc.Iteration(site) < deps.Caps.For(site) {
		rec.Add(state.NewEvent(doc.RequestID, state.AuditNodeExited, doc.CurrentState,
			state.ActorSystem, map[string]any{
				"next":      string(doc.CurrentState),
				"failure":   string(kind),
				"iteration": doc.Iteration(site),
			}))
		return Result{}, nil
	}

	doc.EscalationReason = fmt.Sprintf("%s failed: %s", doc.CurrentState, kind)
	rec.Add(state.NewEvent(doc.RequestID, state.AuditEscalated, doc.CurrentState,
		state.ActorSystem, map[string]any{
			"reason": doc.EscalationReason,
			"error":  err.Error(),
		}))
	doc.CurrentState = state.StateHumanReview
	return Result{}, nil
}
