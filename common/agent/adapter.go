package agent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/state"
)

// Registry resolves agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds an agent id to an implementation.
func (r *Registry) Register(agentID string, impl Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = impl
}

// Lookup returns the agent for an id.
func (r *Registry) Lookup(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.agents[agentID]
	return impl, ok
}

// AuditFn receives per-attempt audit events during an invocation. The node
// handler owns the collector; the adapter only appends.
type AuditFn func(event state.AuditEvent)

// InvokeRequest describes one agent invocation.
type InvokeRequest struct {
	Task    Task
	Input   any
	Key     InvocationKey
	Timeout time.Duration
	Audit   AuditFn
}

// Adapter is the uniform invocation contract for automated nodes: bounded
// timeout, cooperative cancellation, classified failures, exponential
// backoff with jitter up to the attempt cap, and a per-agent circuit
// breaker that fails fast while an upstream is down.
type Adapter struct {
	registry *Registry
	cfg      config.AgentConfig
	log      *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	rng      *rand.Rand
}

// NewAdapter creates an adapter over a registry.
func NewAdapter(registry *Registry, cfg config.AgentConfig, log *logger.Logger) *Adapter {
	return &Adapter{
		registry: registry,
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Invoke runs a task with the retry policy. A nil error means success;
// a returned *Error with Terminal=true must not be retried by the caller.
func (a *Adapter) Invoke(ctx context.Context, req InvokeRequest) (any, error) {
	agentID := req.Task.AgentID()
	if agentID == "" {
		return nil, NewError(KindInvalid, req.Key.RequestID, "unknown task %q", req.Task)
	}

	impl, ok := a.registry.Lookup(agentID)
	if !ok {
		return nil, NewError(KindPreconditionViolated, req.Key.RequestID, "no agent registered for %s", agentID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout.Std()
	}

	log := a.log.WithRequestID(req.Key.RequestID).WithNode(string(req.Key.Node))

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, a.cancelError(req.Key.RequestID, err)
		}

		a.audit(req, state.AuditAgentAttempt, agentID, map[string]any{
			"task":           string(req.Task),
			"attempt":        attempt,
			"invocation_key": req.Key.String(),
		})

		output, err := a.attempt(ctx, impl, agentID, req, timeout)
		if err == nil {
			metrics.AgentAttempts.WithLabelValues(agentID, "success").Inc()
			a.audit(req, state.AuditAgentSuccess, agentID, map[string]any{
				"task":    string(req.Task),
				"attempt": attempt,
			})
			return output, nil
		}

		kind := Classify(err)
		metrics.AgentAttempts.WithLabelValues(agentID, string(kind)).Inc()
		lastErr = err
		log.Warn("agent attempt failed",
			"agent", agentID,
			"task", string(req.Task),
			"attempt", attempt,
			"kind", string(kind),
			"error", err)

		a.audit(req, state.AuditAgentFailure, agentID, map[string]any{
			"task":    string(req.Task),
			"attempt": attempt,
			"kind":    string(kind),
			"detail":  err.Error(),
		})

		if !kind.Retryable() {
			return nil, a.asTerminal(req.Key.RequestID, err)
		}
		if attempt == a.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(a.backoff(attempt)):
		case <-ctx.Done():
			return nil, a.cancelError(req.Key.RequestID, ctx.Err())
		}
	}

	// Retry cap reached: elevate the retryable failure to terminal.
	elevated := NewError(Classify(lastErr), req.Key.RequestID,
		"retry cap (%d) exhausted: %v", a.cfg.MaxAttempts, lastErr)
	elevated.Terminal = true
	return nil, elevated
}

// attempt runs a single bounded call through the agent's circuit breaker.
func (a *Adapter) attempt(ctx context.Context, impl Agent, agentID string, req InvokeRequest, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		RequestID:     req.Key.RequestID,
		InvocationKey: req.Key,
	}
	if deadline, ok := attemptCtx.Deadline(); ok {
		inv.Deadline = deadline
	}

	output, err := a.breaker(agentID).Execute(func() (interface{}, error) {
		return impl.Execute(attemptCtx, req.Task, req.Input, inv)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewError(KindUpstreamUnavailable, req.Key.RequestID, "circuit open for %s", agentID)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, NewError(KindTimeout, req.Key.RequestID, "agent %s exceeded %s", agentID, timeout)
	}
	return output, err
}

// backoff computes the sleep before the next attempt: base doubled per
// attempt plus uniform jitter, capped at 30x base.
func (a *Adapter) backoff(attempt int) time.Duration {
	base := a.cfg.BackoffBase.Std()
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * (1 << (attempt - 1))
	if cap := 30 * base; delay > cap {
		delay = cap
	}

	if jitterRange := a.cfg.BackoffJitter.Std(); jitterRange > 0 {
		a.mu.Lock()
		jitter := time.Duration(a.rng.Int63n(int64(jitterRange)))
		a.mu.Unlock()
		delay += jitter
	}
	return delay
}

// breaker returns the circuit breaker for one agent, creating it lazily.
// The breaker only counts upstream failures; classified terminal contract
// errors pass through without tripping it.
func (a *Adapter) breaker(agentID string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cb, ok := a.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    agentID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Contract errors are the caller's problem, not upstream health.
			return !Classify(err).Retryable()
		},
	})
	a.breakers[agentID] = cb
	return cb
}

func (a *Adapter) cancelError(requestID string, cause error) *Error {
	err := NewError(KindCancelled, requestID, "invocation cancelled: %v", cause)
	err.Terminal = true
	return err
}

func (a *Adapter) asTerminal(requestID string, err error) error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		agentErr.Terminal = true
		if agentErr.RequestID == "" {
			agentErr.RequestID = requestID
		}
		return agentErr
	}
	wrapped := NewError(Classify(err), requestID, "%v", err)
	wrapped.Terminal = true
	return wrapped
}

func (a *Adapter) audit(req InvokeRequest, kind state.AuditKind, agentID string, payload map[string]any) {
	if req.Audit == nil {
		return
	}
	req.Audit(state.NewEvent(req.Key.RequestID, kind, req.Key.Node, agentID, payload))
}
