package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
)

// gateNode is a human approval gate. On first entry (and on every loop
// re-entry) it snapshots the material under review into a fresh pending
// approval and parks. When it runs again with a decision recorded, it
// applies the decision to the document and routes.
type gateNode struct {
	deps         Deps
	gate         state.State
	approvalType state.ApprovalType
}

func newGate(deps Deps, gate state.State) *gateNode {
	return &gateNode{
		deps:         deps,
		gate:         gate,
		approvalType: state.GateApprovalType[gate],
	}
}

func (n *gateNode) Run(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	latest, err := n.deps.Store.LatestApproval(ctx, doc.RequestID, n.approvalType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	// A new record per loop iteration: the prior iteration's decision was
	// already consumed by the loop-back transition.
	if latest == nil || doc.ConsumedApproval(n.approvalType, latest.ApprovalID) {
		return n.request(ctx, doc, rec)
	}

	if latest.Status == state.ApprovalPending {
		return Result{Park: true}, nil
	}

	if err := n.apply(doc, latest, rec); err != nil {
		return Result{}, err
	}
	doc.MarkApprovalConsumed(n.approvalType, latest.ApprovalID)

	if doc.CurrentState != n.gate {
		// The decision escalated directly; no further routing.
		return Result{}, nil
	}
	return Result{}, advance(doc, n.deps.Caps, rec)
}

// request creates the pending approval and parks the workflow.
func (n *gateNode) request(ctx context.Context, doc *state.Workflow, rec *Recorder) (Result, error) {
	payload, err := n.payload(doc)
	if err != nil {
		return Result{}, err
	}

	record := state.NewApproval(doc.RequestID, n.approvalType, payload, n.deps.SLA)
	if err := n.deps.Store.CreateApproval(ctx, record); err != nil {
		return Result{}, fmt.Errorf("creating %s approval: %w", n.approvalType, err)
	}
	metrics.PendingApprovals.WithLabelValues(string(n.approvalType)).Inc()

	rec.Add(state.NewEvent(doc.RequestID, state.AuditApprovalRequested, n.gate,
		state.ActorSystem, map[string]any{
			"approval_id":   record.ApprovalID,
			"approval_type": string(n.approvalType),
			"sla_deadline":  record.SLADeadline,
		}))

	n.deps.Log.Info("approval requested",
		"request_id", doc.RequestID,
		"approval_id", record.ApprovalID,
		"type", string(n.approvalType))
	return Result{Park: true}, nil
}

// apply writes a fresh decision onto the document.
func (n *gateNode) apply(doc *state.Workflow, decided *state.Approval, rec *Recorder) error {
	switch decided.Status {
	case state.ApprovalApproved:
		n.setReview(doc, &state.Review{
			Decision:  state.DecisionApproved,
			Reviewer:  decided.Reviewer,
			DecidedAt: decided.DecidedAt,
		})

	case state.ApprovalRejected:
		n.setReview(doc, &state.Review{
			Decision:  state.DecisionRejected,
			Reason:    decided.Notes,
			Reviewer:  decided.Reviewer,
			DecidedAt: decided.DecidedAt,
		})

	case state.ApprovalModified:
		if err := n.applyModifications(doc, decided.ModifiedPayload); err != nil {
			return err
		}
		n.setReview(doc, &state.Review{
			Decision:  state.DecisionApproved,
			Reason:    decided.Notes,
			Reviewer:  decided.Reviewer,
			DecidedAt: decided.DecidedAt,
		})

	case state.ApprovalTimedOut:
		return n.applyTimeout(doc, decided, rec)

	default:
		return fmt.Errorf("approval %s in unexpected status %s", decided.ApprovalID, decided.Status)
	}
	return nil
}

// applyTimeout routes an SLA expiry: escalate per policy, otherwise treat
// it as a rejection so the normal loop-back (and its cap) applies.
func (n *gateNode) applyTimeout(doc *state.Workflow, decided *state.Approval, rec *Recorder) error {
	escalate := false
	if n.deps.TimeoutPolicy != nil {
		var err error
		escalate, err = n.deps.TimeoutPolicy.Escalate(decided, doc)
		if err != nil {
			n.deps.Log.Error("timeout policy evaluation failed, treating as rejection",
				"request_id", doc.RequestID, "error", err)
		}
	}

	rec.Add(state.NewEvent(doc.RequestID, state.AuditEscalated, n.gate,
		state.ActorSystem, map[string]any{
			"approval_id":   decided.ApprovalID,
			"approval_type": string(n.approvalType),
			"reason":        "approval SLA expired",
			"escalated":     escalate,
		}))

	if escalate {
		doc.EscalationReason = fmt.Sprintf("approval SLA expired for %s", n.approvalType)
		doc.CurrentState = state.StateHumanReview
		return nil
	}

	now := decided.SLADeadline
	if decided.DecidedAt != nil {
		now = *decided.DecidedAt
	}
	n.setReview(doc, &state.Review{
		Decision:  state.DecisionRejected,
		Reason:    "approval timed out",
		Reviewer:  state.ActorSystem,
		DecidedAt: &now,
	})
	return nil
}

// applyModifications folds reviewer edits into the document. The service
// validated field names and merged the edits over the payload snapshot.
func (n *gateNode) applyModifications(doc *state.Workflow, merged json.RawMessage) error {
	switch n.approvalType {
	case state.ApprovalRequirements:
		var edited state.Requirements
		if err := json.Unmarshal(merged, &edited); err != nil {
			return fmt.Errorf("applying modified requirements: %w", err)
		}
		doc.Requirements = &edited

	case state.ApprovalPhenotypeSQL:
		var edited struct {
			PhenotypeSQL string `json:"phenotype_sql"`
		}
		if err := json.Unmarshal(merged, &edited); err != nil {
			return fmt.Errorf("applying modified phenotype sql: %w", err)
		}
		doc.PhenotypeSQL = edited.PhenotypeSQL

	default:
		return fmt.Errorf("%s approvals do not accept modifications", n.approvalType)
	}
	return nil
}

func (n *gateNode) setReview(doc *state.Workflow, review *state.Review) {
	switch n.gate {
	case state.StateRequirementsReview:
		doc.RequirementsApproved = review
	case state.StatePhenotypeReview:
		doc.PhenotypeApproved = review
	case state.StateExtractionApproval:
		doc.ExtractionApproved = review
	case state.StateQAReview:
		doc.QAApproved = review
	}
}

// payload snapshots what the reviewer sees, per gate.
func (n *gateNode) payload(doc *state.Workflow) (json.RawMessage, error) {
	var snapshot any
	switch n.approvalType {
	case state.ApprovalRequirements:
		snapshot = requirementsSnapshot{
			Requirements:         *doc.Requirements,
			CompletenessScore:    doc.CompletenessScore,
			RequirementsComplete: doc.RequirementsComplete,
			Iteration:            doc.Iteration(state.LoopRequirements),
		}
	case state.ApprovalPhenotypeSQL:
		snapshot = phenotypeSnapshot{
			PhenotypeSQL: doc.PhenotypeSQL,
			Feasibility:  *doc.Feasibility,
			Iteration:    doc.Iteration(state.LoopPhenotype),
		}
	case state.ApprovalExtraction:
		snapshot = extractionSnapshot{
			Requirements: *doc.Requirements,
			PhenotypeSQL: doc.PhenotypeSQL,
			Feasibility:  *doc.Feasibility,
		}
	case state.ApprovalQA:
		snapshot = qaSnapshot{
			QAReport:   *doc.QAReport,
			Extraction: *doc.Extraction,
		}
	default:
		return nil, fmt.Errorf("no payload snapshot for approval type %s", n.approvalType)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s payload: %w", n.approvalType, err)
	}
	return data, nil
}

// requirementsSnapshot flattens the requirements record so its fields sit
// at the top level, where reviewer modifications address them.
type requirementsSnapshot struct {
	state.Requirements
	CompletenessScore    float64 `json:"completeness_score"`
	RequirementsComplete bool    `json:"requirements_complete"`
	Iteration            int     `json:"iteration"`
}

type phenotypeSnapshot struct {
	PhenotypeSQL string            `json:"phenotype_sql"`
	Feasibility  state.Feasibility `json:"feasibility"`
	Iteration    int               `json:"iteration"`
}

type extractionSnapshot struct {
	Requirements state.Requirements `json:"requirements"`
	PhenotypeSQL string             `json:"phenotype_sql"`
	Feasibility  state.Feasibility  `json:"feasibility"`
}

type qaSnapshot struct {
	QAReport   state.QAReport   `json:"qa_report"`
	Extraction state.Extraction `json:"extraction"`
}
