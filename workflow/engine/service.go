package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/approval"
)

// Service is the request-facing surface: submission, status, audit and
// administrative cancellation. It writes through the store and wakes the
// engine; it never executes nodes itself.
type Service struct {
	store store.Store
	waker approval.Waker
	log   *logger.Logger
}

// NewService creates the request service.
func NewService(st store.Store, waker approval.Waker, log *logger.Logger) *Service {
	return &Service{store: st, waker: waker, log: log}
}

// SubmitRequest is one researcher submission.
type SubmitRequest struct {
	Researcher     state.Researcher `json:"researcher"`
	InitialRequest string           `json:"initial_request"`
	// Deadline, when set, bounds every agent invocation for the request.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Submit creates the workflow document and wakes the engine.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*state.Workflow, error) {
	if req.InitialRequest == "" {
		return nil, fmt.Errorf("initial_request is required")
	}
	if req.Researcher.Email == "" {
		return nil, fmt.Errorf("researcher email is required")
	}

	doc := state.New(uuid.NewString(), req.Researcher, req.InitialRequest)
	doc.Deadline = req.Deadline

	created := state.NewEvent(doc.RequestID, state.AuditCreated, state.StateNewRequest,
		state.ActorSystem, map[string]any{
			"researcher": req.Researcher.Email,
			"irb_number": req.Researcher.IRBNumber,
		})

	if _, err := s.store.Create(ctx, doc, []state.AuditEvent{created}); err != nil {
		return nil, err
	}

	s.log.Info("request submitted",
		"request_id", doc.RequestID,
		"researcher", req.Researcher.Email)

	if err := s.waker.Wake(ctx, doc.RequestID, approval.CauseSubmit); err != nil {
		// Durable already; the recovery scan will pick it up.
		s.log.Error("failed to wake engine for new request",
			"request_id", doc.RequestID, "error", err)
	}
	return doc, nil
}

// Status returns the canonical latest document and its version.
func (s *Service) Status(ctx context.Context, requestID string) (*state.Workflow, int64, error) {
	return s.store.Load(ctx, requestID)
}

// Audit returns the full audit stream for a request.
func (s *Service) Audit(ctx context.Context, requestID string) ([]state.AuditEvent, error) {
	if _, _, err := s.store.Load(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, requestID)
}

// Cancel sets the cancellation sentinel and wakes the engine, which
// finalizes the workflow in human review. The versioned save races the
// engine's own writes; a few optimistic retries absorb that.
func (s *Service) Cancel(ctx context.Context, requestID, actor string) error {
	for attempt := 0; attempt < 5; attempt++ {
		doc, version, err := s.store.Load(ctx, requestID)
		if err != nil {
			return err
		}
		if doc.CurrentState.Terminal() {
			return fmt.Errorf("request %s in %s: %w", requestID, doc.CurrentState, store.ErrTerminalState)
		}
		if doc.Cancelled {
			return nil
		}

		doc.Cancelled = true
		event := state.NewEvent(requestID, state.AuditEscalated, doc.CurrentState, actor,
			map[string]any{"reason": "cancellation requested"})

		_, err = s.store.Save(ctx, doc, version, []state.AuditEvent{event})
		if errors.Is(err, store.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.log.Info("request cancelled", "request_id", requestID, "actor", actor)
		if err := s.waker.Wake(ctx, requestID, approval.CauseCancel); err != nil {
			s.log.Error("failed to wake engine after cancel",
				"request_id", requestID, "error", err)
		}
		return nil
	}
	return fmt.Errorf("cancelling %s: %w", requestID, store.ErrConcurrencyConflict)
}
