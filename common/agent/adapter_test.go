package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/state"
)

// fakeAgent returns canned results per attempt.
type fakeAgent struct {
	calls   int
	results []error
	output  any
}

func (f *fakeAgent) Execute(ctx context.Context, task Task, input any, inv Invocation) (any, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.results) && f.results[idx] != nil {
		return nil, f.results[idx]
	}
	return f.output, nil
}

func testAdapterConfig(maxAttempts int) config.AgentConfig {
	return config.AgentConfig{
		Mode:           "stub",
		MaxAttempts:    maxAttempts,
		BackoffBase:    config.Duration(time.Millisecond),
		BackoffJitter:  config.Duration(0),
		DefaultTimeout: config.Duration(time.Second),
	}
}

func invokeKey() InvocationKey {
	return InvocationKey{RequestID: "req-1", Node: state.StateRequirementsGathering, AttemptNo: 1}
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	impl := &fakeAgent{output: "ok"}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	out, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, impl.calls)
}

func TestInvokeRetriesRetryableFailures(t *testing.T) {
	impl := &fakeAgent{
		results: []error{
			NewError(KindTimeout, "req-1", "slow"),
			NewError(KindRateLimited, "req-1", "throttled"),
			nil,
		},
		output: "eventually",
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	out, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.NoError(t, err)
	assert.Equal(t, "eventually", out)
	assert.Equal(t, 3, impl.calls)
}

func TestInvokeElevatesAfterRetryCap(t *testing.T) {
	impl := &fakeAgent{
		results: []error{
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
		},
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.Error(t, err)
	assert.Equal(t, 3, impl.calls)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.True(t, agentErr.Terminal)
	assert.Equal(t, KindUpstreamUnavailable, agentErr.Kind)
	assert.Contains(t, agentErr.Detail, "retry cap")
}

func TestInvokeDoesNotRetryTerminalFailures(t *testing.T) {
	impl := &fakeAgent{
		results: []error{NewError(KindMalformed, "req-1", "bad output schema")},
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.Error(t, err)
	assert.Equal(t, 1, impl.calls)
	assert.True(t, IsTerminal(err))
}

func TestInvokeUnknownTask(t *testing.T) {
	adapter := NewAdapter(NewRegistry(), testAdapterConfig(3), logger.Discard())

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: Task("mystery_agent.do"),
		Key:  invokeKey(),
	})
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindInvalid, agentErr.Kind)
}

func TestInvokeUnregisteredAgent(t *testing.T) {
	adapter := NewAdapter(NewRegistry(), testAdapterConfig(3), logger.Discard())

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindPreconditionViolated, agentErr.Kind)
}

func TestInvokeCancelledContext(t *testing.T) {
	impl := &fakeAgent{output: "never"}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.Invoke(ctx, InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, KindCancelled, agentErr.Kind)
	assert.True(t, agentErr.Terminal)
	assert.Equal(t, 0, impl.calls)
}

func TestInvokeAuditTrail(t *testing.T) {
	impl := &fakeAgent{
		results: []error{NewError(KindTimeout, "req-1", "slow"), nil},
		output:  "done",
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	var events []state.AuditEvent
	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
		Audit: func(ev state.AuditEvent) {
			events = append(events, ev)
		},
	})
	require.NoError(t, err)

	var kinds []state.AuditKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []state.AuditKind{
		state.AuditAgentAttempt,
		state.AuditAgentFailure,
		state.AuditAgentAttempt,
		state.AuditAgentSuccess,
	}, kinds)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	impl := &fakeAgent{
		results: []error{
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
			NewError(KindUpstreamUnavailable, "req-1", "down"),
		},
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)

	cfg := testAdapterConfig(5)
	adapter := NewAdapter(registry, cfg, logger.Discard())

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.Error(t, err)
	assert.Equal(t, 5, impl.calls)

	// Five consecutive upstream failures trip the breaker; the next call
	// fails fast without reaching the agent.
	_, err = adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.Error(t, err)
	assert.Equal(t, 5, impl.calls)
	assert.Equal(t, KindUpstreamUnavailable, Classify(err))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{NewError(KindTimeout, "", "t"), KindTimeout},
		{NewError(KindMalformed, "", "m"), KindMalformed},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("surprise"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err))
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindUpstreamUnavailable.Retryable())
	assert.False(t, KindMalformed.Retryable())
	assert.False(t, KindInvalid.Retryable())
	assert.False(t, KindCancelled.Retryable())
	assert.False(t, KindInternal.Retryable())
}

func TestDecodeRoundTrip(t *testing.T) {
	raw := map[string]any{
		"phenotype_sql": "SELECT patient_id FROM cohort",
		"feasibility": map[string]any{
			"feasible":              true,
			"estimated_cohort_size": float64(1200),
		},
	}
	out, err := Decode[FeasibilityOutput](raw)
	require.NoError(t, err)
	assert.True(t, out.Feasibility.Feasible)
	assert.Equal(t, 1200, out.Feasibility.EstimatedCohortSize)

	// In-process agents hand back the typed record; no re-marshal happens.
	direct, err := Decode[FeasibilityOutput](&FeasibilityOutput{PhenotypeSQL: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q", direct.PhenotypeSQL)

	_, err = Decode[FeasibilityOutput](json.RawMessage(`{"feasibility":"not-an-object"}`))
	assert.Error(t, err)
}

func TestInvocationKeyString(t *testing.T) {
	key := InvocationKey{RequestID: "req-9", Node: state.StateDataExtraction, AttemptNo: 2}
	assert.Equal(t, "req-9:data_extraction:2", key.String())
}

func TestInvokeRecordsAttemptMetrics(t *testing.T) {
	impl := &fakeAgent{
		results: []error{NewError(KindTimeout, "req-1", "slow"), nil},
		output:  "ok",
	}
	registry := NewRegistry()
	registry.Register("requirements_agent", impl)
	adapter := NewAdapter(registry, testAdapterConfig(3), logger.Discard())

	successBefore := testutil.ToFloat64(metrics.AgentAttempts.WithLabelValues("requirements_agent", "success"))
	timeoutBefore := testutil.ToFloat64(metrics.AgentAttempts.WithLabelValues("requirements_agent", string(KindTimeout)))

	_, err := adapter.Invoke(context.Background(), InvokeRequest{
		Task: TaskGatherRequirements,
		Key:  invokeKey(),
	})
	require.NoError(t, err)

	assert.Equal(t, successBefore+1,
		testutil.ToFloat64(metrics.AgentAttempts.WithLabelValues("requirements_agent", "success")))
	assert.Equal(t, timeoutBefore+1,
		testutil.ToFloat64(metrics.AgentAttempts.WithLabelValues("requirements_agent", string(KindTimeout))))
}
