// Package engine drives workflows: it serializes execution per request
// with a Redis lease, steps the document through node handlers, and
// persists every transition with optimistic versioning. Work arrives from
// submissions, approval decisions and crash-recovery scans.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/lease"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/nodes"
)

// Executor runs one workflow at a time to a park or terminal point.
type Executor struct {
	store  store.Store
	leases *lease.Manager
	nodes  nodes.Registry
	log    *logger.Logger

	persistRetries int
	persistBackoff time.Duration
}

// NewExecutor creates an executor.
func NewExecutor(st store.Store, leases *lease.Manager, registry nodes.Registry,
	engineCfg config.EngineConfig, log *logger.Logger) *Executor {

	return &Executor{
		store:          st,
		leases:         leases,
		nodes:          registry,
		log:            log,
		persistRetries: engineCfg.PersistMaxRetries,
		persistBackoff: engineCfg.PersistRetryBackoff.Std(),
	}
}

// Execute acquires the request lease and steps the workflow until it parks
// or terminates. A held lease is not an error: another worker owns the
// request and this wake is dropped.
func (e *Executor) Execute(ctx context.Context, requestID string) error {
	held, err := e.leases.Acquire(ctx, requestID)
	if errors.Is(err, lease.ErrHeld) {
		metrics.LeaseConflicts.Inc()
		e.log.Debug("lease held elsewhere, skipping", "request_id", requestID)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lease.ErrLost) {
			e.log.Error("lease release failed", "request_id", requestID, "error", err)
		}
	}()

	// A single step can outlive the lease TTL: agent calls run up to the
	// agent timeout. The keepalive renews for the whole execution; the
	// per-iteration Renew below detects loss and stops the loop.
	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go func() {
		if err := held.KeepAlive(keepCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("lease keepalive ended", "request_id", requestID, "error", err)
		}
	}()

	log := e.log.WithRequestID(requestID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := held.Renew(ctx); err != nil {
			// Lost the lease: another worker may be running this request.
			return fmt.Errorf("stopping execution: %w", err)
		}

		doc, version, err := e.store.Load(ctx, requestID)
		if err != nil {
			return err
		}
		if doc.CurrentState.Terminal() {
			return nil
		}

		parked, err := e.step(ctx, doc, version, log)
		if err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				metrics.SaveConflicts.Inc()
				log.Warn("stale version on save, recomputing from fresh state")
				continue
			}
			if errors.Is(err, store.ErrTerminalState) {
				return nil
			}
			return err
		}
		if parked {
			return nil
		}
	}
}

// step runs one node handler and persists the outcome. It reports whether
// the workflow parked.
func (e *Executor) step(ctx context.Context, doc *state.Workflow, version int64, log *logger.Logger) (bool, error) {
	from := doc.CurrentState
	rec := &nodes.Recorder{}

	if doc.Cancelled {
		doc.EscalationReason = "cancelled by administrator"
		doc.CurrentState = state.StateHumanReview
		rec.Add(state.NewEvent(doc.RequestID, state.AuditEscalated, from,
			state.ActorSystem, map[string]any{"reason": doc.EscalationReason}))
		return false, e.persist(ctx, doc, version, from, rec)
	}

	handler, ok := e.nodes[from]
	if !ok {
		// Closed enumeration: a state without a handler is schema drift.
		doc.EscalationReason = fmt.Sprintf("no handler for state %s", from)
		doc.CurrentState = state.StateHumanReview
		rec.Add(state.NewEvent(doc.RequestID, state.AuditEscalated, from,
			state.ActorSystem, map[string]any{"reason": doc.EscalationReason}))
		return false, e.persist(ctx, doc, version, from, rec)
	}

	rec.Add(state.NewEvent(doc.RequestID, state.AuditNodeEntered, from, state.ActorSystem, nil))

	start := time.Now()
	result, err := handler.Run(ctx, doc, rec)
	metrics.NodeDuration.WithLabelValues(string(from)).Observe(time.Since(start).Seconds())
	if err != nil {
		// Infrastructure failure: leave the workflow claimable.
		return false, fmt.Errorf("node %s: %w", from, err)
	}

	if result.Park && doc.CurrentState == from && len(rec.Events()) <= 1 {
		// Still waiting and nothing new happened: skip the write.
		return true, nil
	}

	return result.Park, e.persist(ctx, doc, version, from, rec)
}

// persist writes the document and its step events atomically.
func (e *Executor) persist(ctx context.Context, doc *state.Workflow, version int64,
	from state.State, rec *nodes.Recorder) error {

	to := doc.CurrentState
	if to != from {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		if to == state.StateHumanReview {
			metrics.Escalations.WithLabelValues(string(from)).Inc()
		}
		switch {
		case to == state.StateComplete:
			rec.Add(state.NewEvent(doc.RequestID, state.AuditCompleted, to, state.ActorSystem, nil))
		case to.Terminal():
			rec.Add(state.NewEvent(doc.RequestID, state.AuditTerminated, to, state.ActorSystem,
				map[string]any{"reason": doc.EscalationReason}))
		}
	}
	rec.Add(state.NewEvent(doc.RequestID, state.AuditStatePersisted, to, state.ActorSystem,
		map[string]any{"from": string(from), "to": string(to)}))

	var lastErr error
	for attempt := 0; attempt <= e.persistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.persistBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := e.store.Save(ctx, doc, version, rec.Events())
		if err == nil {
			e.log.Info("workflow transitioned",
				"request_id", doc.RequestID,
				"from", string(from),
				"to", string(to))
			return nil
		}
		if errors.Is(err, store.ErrConcurrencyConflict) || errors.Is(err, store.ErrTerminalState) {
			return err
		}
		lastErr = err
		e.log.Warn("persist failed, retrying",
			"request_id", doc.RequestID, "attempt", attempt+1, "error", err)
	}

	// Abandon: the lease expires and another worker re-claims the request.
	return fmt.Errorf("persisting %s after %d attempts: %w", doc.RequestID, e.persistRetries+1, lastErr)
}
