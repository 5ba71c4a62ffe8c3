// Package metrics exposes the engine's Prometheus collectors. All metrics
// are registered on the default registry and served by telemetry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts state transitions by source and target state.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "workflow_transitions_total",
		Help:      "Workflow state transitions by from/to state.",
	}, []string{"from", "to"})

	// NodeDuration observes wall time spent in each node handler.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "researchflow",
		Name:      "node_duration_seconds",
		Help:      "Node handler execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"node"})

	// AgentAttempts counts agent invocation attempts by agent and outcome.
	AgentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "agent_attempts_total",
		Help:      "Agent invocation attempts by agent id and outcome.",
	}, []string{"agent", "outcome"})

	// PendingApprovals tracks currently pending approvals by type.
	PendingApprovals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "researchflow",
		Name:      "pending_approvals",
		Help:      "Pending approval requests by type.",
	}, []string{"type"})

	// ApprovalsTimedOut counts SLA expirations by approval type.
	ApprovalsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "approvals_timed_out_total",
		Help:      "Approvals expired by the SLA sweeper, by type.",
	}, []string{"type"})

	// LeaseConflicts counts executions skipped because another worker held
	// the request lease.
	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "lease_conflicts_total",
		Help:      "Request executions skipped due to a held lease.",
	})

	// SaveConflicts counts optimistic concurrency failures on persist.
	SaveConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "save_conflicts_total",
		Help:      "Workflow saves rejected by version mismatch.",
	})

	// Escalations counts workflows routed to human review.
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchflow",
		Name:      "escalations_total",
		Help:      "Workflows escalated to human review, by the state they escalated from.",
	}, []string{"from"})
)
