package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/meridianhealth/researchflow/common/state"
)

// Sentinel errors for the persistence contract. Callers branch with
// errors.Is; everything else is infrastructure failure.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict: stale version")
	ErrAlreadyDecided      = errors.New("approval already decided")
	ErrTerminalState       = errors.New("workflow is terminal: no further writes permitted")
)

// ApprovalFilter narrows ListPendingApprovals.
type ApprovalFilter struct {
	RequestID string
	Type      state.ApprovalType
	// DueBefore, when non-zero, returns only approvals whose SLA deadline
	// falls before it (urgency filtering for review dashboards).
	DueBefore time.Time
}

// Store is the durable source of truth for workflow documents, approvals
// and the audit log. A state write and its audit events are persisted
// together or not at all; readers never observe partial updates.
type Store interface {
	// Create inserts the initial document and its creation audit events.
	// Fails ErrAlreadyExists on duplicate request_id.
	Create(ctx context.Context, doc *state.Workflow, events []state.AuditEvent) (int64, error)

	// Load returns the canonical latest document and its version, or
	// ErrNotFound.
	Load(ctx context.Context, requestID string) (*state.Workflow, int64, error)

	// Save conditionally writes the document. Fails ErrConcurrencyConflict
	// if expectedVersion is stale and ErrTerminalState if the stored
	// document already reached a terminal state. On success the audit
	// events produced since the last save are appended atomically.
	Save(ctx context.Context, doc *state.Workflow, expectedVersion int64, events []state.AuditEvent) (int64, error)

	// ListPendingResumable returns request ids whose current state is
	// non-terminal. Lease filtering happens at acquisition time: a worker
	// that cannot take the lease skips the request.
	ListPendingResumable(ctx context.Context) ([]string, error)

	// CreateApproval inserts a pending approval record.
	CreateApproval(ctx context.Context, approval *state.Approval) error

	// GetApproval returns an approval by id, or ErrNotFound.
	GetApproval(ctx context.Context, approvalID string) (*state.Approval, error)

	// LatestApproval returns the most recently submitted approval of the
	// given type for a request, or ErrNotFound. Gate handlers use it to
	// find the record for the current loop iteration.
	LatestApproval(ctx context.Context, requestID string, approvalType state.ApprovalType) (*state.Approval, error)

	// ListPendingApprovals returns pending approvals matching the filter,
	// ordered by SLA deadline.
	ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]*state.Approval, error)

	// DecideApproval transitions an approval from pending to a terminal
	// status exactly once, recording the decision audit event in the same
	// transaction. Fails ErrAlreadyDecided when no longer pending.
	DecideApproval(ctx context.Context, approvalID string, status state.ApprovalStatus,
		reviewer, notes string, modifiedPayload json.RawMessage, event state.AuditEvent) error

	// ExpirePendingApprovals transitions pending approvals whose SLA
	// deadline is at or before now to timed_out and returns them.
	// Idempotent: already-expired records are not returned again.
	ExpirePendingApprovals(ctx context.Context, now time.Time) ([]*state.Approval, error)

	// ListAudit returns the full audit stream for a request in timestamp
	// order.
	ListAudit(ctx context.Context, requestID string) ([]state.AuditEvent, error)
}
