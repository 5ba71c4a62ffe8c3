// Package approval implements the human gate surface: listing pending
// approvals, recording decisions exactly once, and sweeping SLA timeouts.
// Gate node handlers create the records; this package decides them and
// wakes the parked workflow.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
)

// ErrInvalid marks a malformed or disallowed decision request.
var ErrInvalid = errors.New("invalid approval decision")

// Decision verbs accepted from reviewers.
const (
	VerbApprove = "approve"
	VerbReject  = "reject"
	VerbModify  = "modify"
)

// DecideRequest is one reviewer decision.
type DecideRequest struct {
	ApprovalID      string          `json:"approval_id"`
	Decision        string          `json:"decision"`
	Reviewer        string          `json:"reviewer"`
	Notes           string          `json:"notes,omitempty"`
	ModifiedPayload json.RawMessage `json:"modified_payload,omitempty"`
}

// Service is the approval gate contract for the API and review UIs.
type Service struct {
	store store.Store
	waker Waker
	log   *logger.Logger
}

// NewService creates the approval service.
func NewService(st store.Store, waker Waker, log *logger.Logger) *Service {
	return &Service{store: st, waker: waker, log: log}
}

// ListPending returns pending approvals matching the filter, ordered by SLA
// deadline.
func (s *Service) ListPending(ctx context.Context, filter store.ApprovalFilter) ([]*state.Approval, error) {
	return s.store.ListPendingApprovals(ctx, filter)
}

// Get returns one approval by id.
func (s *Service) Get(ctx context.Context, approvalID string) (*state.Approval, error) {
	return s.store.GetApproval(ctx, approvalID)
}

// Decide atomically transitions a pending approval to its terminal status,
// records the decision in the audit stream, and wakes the parked workflow.
// Returns store.ErrNotFound, store.ErrAlreadyDecided or ErrInvalid.
func (s *Service) Decide(ctx context.Context, req DecideRequest) error {
	if req.Reviewer == "" {
		return fmt.Errorf("%w: reviewer is required", ErrInvalid)
	}

	status, err := decisionStatus(req.Decision)
	if err != nil {
		return err
	}

	approval, err := s.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return err
	}

	var modified json.RawMessage
	if status == state.ApprovalModified {
		modified, err = validateModifiedPayload(approval, req.ModifiedPayload)
		if err != nil {
			return err
		}
	} else if len(req.ModifiedPayload) > 0 {
		return fmt.Errorf("%w: modified_payload only accompanies a modify decision", ErrInvalid)
	}

	event := state.NewEvent(approval.RequestID, state.AuditApprovalDecided,
		gateFor(approval.Type), req.Reviewer, map[string]any{
			"approval_id":   approval.ApprovalID,
			"approval_type": string(approval.Type),
			"status":        string(status),
			"notes":         req.Notes,
		})

	if err := s.store.DecideApproval(ctx, req.ApprovalID, status,
		req.Reviewer, req.Notes, modified, event); err != nil {
		return err
	}
	metrics.PendingApprovals.WithLabelValues(string(approval.Type)).Dec()

	s.log.Info("approval decided",
		"approval_id", approval.ApprovalID,
		"request_id", approval.RequestID,
		"type", string(approval.Type),
		"status", string(status),
		"reviewer", req.Reviewer)

	if err := s.waker.Wake(ctx, approval.RequestID, CauseDecision); err != nil {
		// The decision is durable; recovery scans will pick the workflow up.
		s.log.Error("failed to wake workflow after decision",
			"request_id", approval.RequestID, "error", err)
	}
	return nil
}

func decisionStatus(verb string) (state.ApprovalStatus, error) {
	switch verb {
	case VerbApprove:
		return state.ApprovalApproved, nil
	case VerbReject:
		return state.ApprovalRejected, nil
	case VerbModify:
		return state.ApprovalModified, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrInvalid, verb)
}

// validateModifiedPayload checks that every edited field is one the gate
// declares modifiable, then merges the edits over the payload snapshot so
// the gate handler applies a complete record.
func validateModifiedPayload(approval *state.Approval, edits json.RawMessage) (json.RawMessage, error) {
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: modify decision requires modified_payload", ErrInvalid)
	}

	allowed, gateSupportsModify := state.ModifiableFields[approval.Type]
	if !gateSupportsModify {
		return nil, fmt.Errorf("%w: %s approvals do not accept modifications", ErrInvalid, approval.Type)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(edits, &fields); err != nil {
		return nil, fmt.Errorf("%w: modified_payload must be a JSON object: %v", ErrInvalid, err)
	}
	for field := range fields {
		if !contains(allowed, field) {
			return nil, fmt.Errorf("%w: field %q is not modifiable for %s approvals",
				ErrInvalid, field, approval.Type)
		}
	}

	if len(approval.Payload) == 0 {
		return edits, nil
	}
	merged, err := jsonpatch.MergePatch(approval.Payload, edits)
	if err != nil {
		return nil, fmt.Errorf("%w: merging modified_payload: %v", ErrInvalid, err)
	}
	return merged, nil
}

func contains(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

// gateFor maps an approval type back to its gate state.
func gateFor(approvalType state.ApprovalType) state.State {
	for gate, t := range state.GateApprovalType {
		if t == approvalType {
			return gate
		}
	}
	return ""
}
