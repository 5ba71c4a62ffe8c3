package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianhealth/researchflow/common/state"
)

// MemoryStore is an in-memory Store with the same semantics as the
// Postgres implementation. Used by tests and single-process development
// mode; it is not durable.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*memoryRecord
	approvals map[string]*state.Approval
	audit     map[string][]state.AuditEvent
}

type memoryRecord struct {
	doc     *state.Workflow
	version int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*memoryRecord),
		approvals: make(map[string]*state.Approval),
		audit:     make(map[string][]state.AuditEvent),
	}
}

// Create inserts the initial document at version 1.
func (s *MemoryStore) Create(ctx context.Context, doc *state.Workflow, events []state.AuditEvent) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[doc.RequestID]; exists {
		return 0, fmt.Errorf("request %s: %w", doc.RequestID, ErrAlreadyExists)
	}

	s.workflows[doc.RequestID] = &memoryRecord{doc: doc.Clone(), version: 1}
	s.audit[doc.RequestID] = append(s.audit[doc.RequestID], events...)
	return 1, nil
}

// Load returns a copy of the canonical latest document.
func (s *MemoryStore) Load(ctx context.Context, requestID string) (*state.Workflow, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.workflows[requestID]
	if !exists {
		return nil, 0, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return record.doc.Clone(), record.version, nil
}

// Save conditionally replaces the document and appends its audit events.
func (s *MemoryStore) Save(ctx context.Context, doc *state.Workflow, expectedVersion int64, events []state.AuditEvent) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.workflows[doc.RequestID]
	if !exists {
		return 0, fmt.Errorf("request %s: %w", doc.RequestID, ErrNotFound)
	}
	if record.doc.CurrentState.Terminal() {
		return 0, fmt.Errorf("request %s in %s: %w", doc.RequestID, record.doc.CurrentState, ErrTerminalState)
	}
	if record.version != expectedVersion {
		return 0, fmt.Errorf("request %s expected v%d found v%d: %w",
			doc.RequestID, expectedVersion, record.version, ErrConcurrencyConflict)
	}

	doc.UpdatedAt = time.Now().UTC()
	record.doc = doc.Clone()
	record.version++
	s.audit[doc.RequestID] = append(s.audit[doc.RequestID], events...)
	return record.version, nil
}

// ListPendingResumable returns non-terminal request ids.
func (s *MemoryStore) ListPendingResumable(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, record := range s.workflows {
		if !record.doc.CurrentState.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateApproval inserts a pending approval record.
func (s *MemoryStore) CreateApproval(ctx context.Context, approval *state.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[approval.ApprovalID]; exists {
		return fmt.Errorf("approval %s: %w", approval.ApprovalID, ErrAlreadyExists)
	}
	copied := *approval
	s.approvals[approval.ApprovalID] = &copied
	return nil
}

// GetApproval returns an approval by id.
func (s *MemoryStore) GetApproval(ctx context.Context, approvalID string) (*state.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, exists := s.approvals[approvalID]
	if !exists {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	copied := *approval
	return &copied, nil
}

// LatestApproval returns the most recent approval of a type for a request.
func (s *MemoryStore) LatestApproval(ctx context.Context, requestID string, approvalType state.ApprovalType) (*state.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *state.Approval
	for _, approval := range s.approvals {
		if approval.RequestID != requestID || approval.Type != approvalType {
			continue
		}
		if latest == nil || approval.SubmittedAt.After(latest.SubmittedAt) {
			latest = approval
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("approval for %s/%s: %w", requestID, approvalType, ErrNotFound)
	}
	copied := *latest
	return &copied, nil
}

// ListPendingApprovals returns pending approvals matching the filter.
func (s *MemoryStore) ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]*state.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*state.Approval
	for _, approval := range s.approvals {
		if approval.Status != state.ApprovalPending {
			continue
		}
		if filter.RequestID != "" && approval.RequestID != filter.RequestID {
			continue
		}
		if filter.Type != "" && approval.Type != filter.Type {
			continue
		}
		if !filter.DueBefore.IsZero() && !approval.SLADeadline.Before(filter.DueBefore) {
			continue
		}
		copied := *approval
		pending = append(pending, &copied)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SLADeadline.Before(pending[j].SLADeadline)
	})
	return pending, nil
}

// DecideApproval transitions pending -> terminal exactly once.
func (s *MemoryStore) DecideApproval(ctx context.Context, approvalID string, status state.ApprovalStatus,
	reviewer, notes string, modifiedPayload json.RawMessage, event state.AuditEvent) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	approval, exists := s.approvals[approvalID]
	if !exists {
		return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if approval.Status != state.ApprovalPending {
		return fmt.Errorf("approval %s: %w", approvalID, ErrAlreadyDecided)
	}

	now := time.Now().UTC()
	approval.Status = status
	approval.Reviewer = reviewer
	approval.Notes = notes
	approval.ModifiedPayload = modifiedPayload
	approval.DecidedAt = &now

	s.audit[approval.RequestID] = append(s.audit[approval.RequestID], event)
	return nil
}

// ExpirePendingApprovals sweeps pending approvals past their SLA deadline.
func (s *MemoryStore) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]*state.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*state.Approval
	for _, approval := range s.approvals {
		if approval.Status != state.ApprovalPending {
			continue
		}
		if approval.SLADeadline.After(now) {
			continue
		}
		decidedAt := now.UTC()
		approval.Status = state.ApprovalTimedOut
		approval.DecidedAt = &decidedAt
		copied := *approval
		expired = append(expired, &copied)
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].SLADeadline.Before(expired[j].SLADeadline)
	})
	return expired, nil
}

// ListAudit returns the audit stream in append order.
func (s *MemoryStore) ListAudit(ctx context.Context, requestID string) ([]state.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]state.AuditEvent, len(s.audit[requestID]))
	copy(events, s.audit[requestID])
	return events, nil
}
