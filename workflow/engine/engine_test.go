package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/agent/stub"
	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/lease"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/redis"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
	"github.com/meridianhealth/researchflow/workflow/approval"
	"github.com/meridianhealth/researchflow/workflow/nodes"
	"github.com/meridianhealth/researchflow/workflow/routing"
)

// directWaker runs the executor synchronously so tests observe every
// transition without the stream consumer in between.
type directWaker struct {
	exec *Executor
}

func (w *directWaker) Wake(ctx context.Context, requestID, cause string) error {
	return w.exec.Execute(ctx, requestID)
}

type env struct {
	store     *store.MemoryStore
	leases    *lease.Manager
	registry  nodes.Registry
	exec      *Executor
	requests  *Service
	approvals *approval.Service
	sweeper   *approval.Sweeper
}

func defaultCaps() routing.Caps {
	return routing.Caps{Requirements: 5, Phenotype: 5, QAReextract: 3}
}

func newEnv(t *testing.T, script stub.Script, caps routing.Caps, policyExpr string) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	log := logger.Discard()
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	leases := lease.NewManager(client, 30*time.Second)
	st := store.NewMemoryStore()

	agents := agent.NewRegistry()
	stub.NewScriptedSuite(script).RegisterAll(agents)
	adapter := agent.NewAdapter(agents, config.AgentConfig{
		MaxAttempts:    2,
		BackoffBase:    config.Duration(time.Millisecond),
		DefaultTimeout: config.Duration(time.Second),
	}, log)

	policy, err := approval.NewTimeoutPolicy(policyExpr)
	require.NoError(t, err)

	registry := nodes.NewRegistry(nodes.Deps{
		Adapter:       adapter,
		Store:         st,
		Caps:          caps,
		SLA:           time.Hour,
		AgentTimeout:  time.Second,
		TimeoutPolicy: policy,
		Log:           log,
	})

	exec := NewExecutor(st, leases, registry, config.EngineConfig{
		PersistMaxRetries:   2,
		PersistRetryBackoff: config.Duration(time.Millisecond),
	}, log)

	waker := &directWaker{exec: exec}
	return &env{
		store:     st,
		leases:    leases,
		registry:  registry,
		exec:      exec,
		requests:  NewService(st, waker, log),
		approvals: approval.NewService(st, waker, log),
		sweeper:   approval.NewSweeper(st, waker, time.Minute, log),
	}
}

func (e *env) submit(t *testing.T) string {
	t.Helper()
	doc, err := e.requests.Submit(context.Background(), SubmitRequest{
		Researcher: state.Researcher{
			Name:      "Dr. Chen",
			Email:     "chen@example.org",
			IRBNumber: "IRB-2026-114",
		},
		InitialRequest: "30-day readmission outcomes for adult heart failure patients",
	})
	require.NoError(t, err)
	return doc.RequestID
}

func (e *env) load(t *testing.T, requestID string) *state.Workflow {
	t.Helper()
	doc, _, err := e.store.Load(context.Background(), requestID)
	require.NoError(t, err)
	return doc
}

func (e *env) decide(t *testing.T, requestID string, approvalType state.ApprovalType, verb, notes string) {
	t.Helper()
	pending, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: requestID, Type: approvalType})
	require.NoError(t, err)
	require.Len(t, pending, 1, "expected exactly one pending %s approval", approvalType)

	require.NoError(t, e.approvals.Decide(context.Background(), approval.DecideRequest{
		ApprovalID: pending[0].ApprovalID,
		Decision:   verb,
		Reviewer:   "dr.lee",
		Notes:      notes,
	}))
}

func (e *env) auditKinds(t *testing.T, requestID string) map[state.AuditKind]int {
	t.Helper()
	events, err := e.store.ListAudit(context.Background(), requestID)
	require.NoError(t, err)
	counts := make(map[state.AuditKind]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return counts
}

func TestHappyPathToCompletion(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")

	gateTypes := []state.ApprovalType{
		state.ApprovalRequirements, state.ApprovalPhenotypeSQL,
		state.ApprovalExtraction, state.ApprovalQA,
	}
	pendingBefore := make(map[state.ApprovalType]float64, len(gateTypes))
	for _, approvalType := range gateTypes {
		pendingBefore[approvalType] = testutil.ToFloat64(
			metrics.PendingApprovals.WithLabelValues(string(approvalType)))
	}

	id := e.submit(t)

	// Submission runs the workflow to the first gate.
	assert.Equal(t, state.StateRequirementsReview, e.load(t, id).CurrentState)

	e.decide(t, id, state.ApprovalRequirements, approval.VerbApprove, "")
	assert.Equal(t, state.StatePhenotypeReview, e.load(t, id).CurrentState)

	e.decide(t, id, state.ApprovalPhenotypeSQL, approval.VerbApprove, "")
	assert.Equal(t, state.StateExtractionApproval, e.load(t, id).CurrentState)

	e.decide(t, id, state.ApprovalExtraction, approval.VerbApprove, "")
	assert.Equal(t, state.StateQAReview, e.load(t, id).CurrentState)

	e.decide(t, id, state.ApprovalQA, approval.VerbApprove, "")

	doc := e.load(t, id)
	assert.Equal(t, state.StateComplete, doc.CurrentState)
	require.NotNil(t, doc.Delivery)
	assert.True(t, doc.Delivery.NotificationSent)
	assert.Equal(t, state.QAPassed, doc.QAReport.OverallStatus)

	// Single pass through every loop site.
	assert.Equal(t, 1, doc.Iteration(state.LoopRequirements))
	assert.Equal(t, 1, doc.Iteration(state.LoopPhenotype))
	assert.Equal(t, 1, doc.Iteration(state.LoopQAReextract))

	kinds := e.auditKinds(t, id)
	assert.Equal(t, 4, kinds[state.AuditApprovalRequested])
	assert.Equal(t, 4, kinds[state.AuditApprovalDecided])
	assert.Equal(t, 1, kinds[state.AuditCompleted])
	assert.Zero(t, kinds[state.AuditEscalated])

	// Every gate's pending gauge returned to its starting level.
	for approvalType, before := range pendingBefore {
		assert.Equal(t, before, testutil.ToFloat64(
			metrics.PendingApprovals.WithLabelValues(string(approvalType))), string(approvalType))
	}
}

func TestRequirementsRejectThenApprove(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	id := e.submit(t)

	e.decide(t, id, state.ApprovalRequirements, approval.VerbReject, "time window too broad")

	// The rejection loops back, re-gathers, and parks on a fresh approval.
	doc := e.load(t, id)
	assert.Equal(t, state.StateRequirementsReview, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopRequirements))
	require.NotNil(t, doc.Requirements)
	assert.Contains(t, strings.Join(doc.Requirements.Inclusion, "\n"), "time window too broad")

	e.decide(t, id, state.ApprovalRequirements, approval.VerbApprove, "")
	e.decide(t, id, state.ApprovalPhenotypeSQL, approval.VerbApprove, "")
	e.decide(t, id, state.ApprovalExtraction, approval.VerbApprove, "")
	e.decide(t, id, state.ApprovalQA, approval.VerbApprove, "")

	doc = e.load(t, id)
	assert.Equal(t, state.StateComplete, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopRequirements))

	kinds := e.auditKinds(t, id)
	assert.Equal(t, 5, kinds[state.AuditApprovalRequested])
	assert.Equal(t, 5, kinds[state.AuditApprovalDecided])
}

func TestInfeasibleCohortTerminates(t *testing.T) {
	e := newEnv(t, stub.Script{
		Feasible: func(agent.FeasibilityInput) bool { return false },
	}, defaultCaps(), "")
	id := e.submit(t)

	e.decide(t, id, state.ApprovalRequirements, approval.VerbApprove, "")

	doc := e.load(t, id)
	assert.Equal(t, state.StateNotFeasible, doc.CurrentState)
	assert.Equal(t, routing.NotFeasibleReason, doc.EscalationReason)
	require.NotNil(t, doc.Feasibility)
	assert.False(t, doc.Feasibility.Feasible)

	kinds := e.auditKinds(t, id)
	assert.Equal(t, 1, kinds[state.AuditTerminated])
}

func TestQAFailRejectReextractComplete(t *testing.T) {
	e := newEnv(t, stub.Script{
		QAPass: func(in agent.QAInput) bool {
			// First extraction fails validation; the re-extraction passes.
			return in.Extraction.AttemptNo > 1
		},
	}, defaultCaps(), "")
	id := e.submit(t)

	e.decide(t, id, state.ApprovalRequirements, approval.VerbApprove, "")
	e.decide(t, id, state.ApprovalPhenotypeSQL, approval.VerbApprove, "")
	e.decide(t, id, state.ApprovalExtraction, approval.VerbApprove, "")

	doc := e.load(t, id)
	assert.Equal(t, state.StateQAReview, doc.CurrentState)
	assert.Equal(t, state.QAFailed, doc.QAReport.OverallStatus)

	e.decide(t, id, state.ApprovalQA, approval.VerbReject, "re-extract with fixes")

	// The rejection re-extracts and returns with a passing report.
	doc = e.load(t, id)
	assert.Equal(t, state.StateQAReview, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopQAReextract))
	assert.Equal(t, 2, doc.Extraction.AttemptNo)
	assert.Equal(t, state.QAPassed, doc.QAReport.OverallStatus)

	e.decide(t, id, state.ApprovalQA, approval.VerbApprove, "")

	doc = e.load(t, id)
	assert.Equal(t, state.StateComplete, doc.CurrentState)
	assert.Contains(t, doc.Extraction.ArtifactURI, "attempt-2")
	assert.Equal(t, doc.Extraction.ArtifactURI, doc.Delivery.ArtifactURI)
}

func TestApprovalTimeoutRoutedAsRejection(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	id := e.submit(t)

	pending, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: id, Type: state.ApprovalRequirements})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	n, err := e.sweeper.Sweep(context.Background(), pending[0].SLADeadline)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The timeout behaves like a rejection: loop back, re-gather, new gate.
	doc := e.load(t, id)
	assert.Equal(t, state.StateRequirementsReview, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopRequirements))
	assert.Contains(t, strings.Join(doc.Requirements.Inclusion, "\n"), "approval timed out")

	fresh, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: id, Type: state.ApprovalRequirements})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.NotEqual(t, pending[0].ApprovalID, fresh[0].ApprovalID)
}

func TestApprovalTimeoutAtCapEscalates(t *testing.T) {
	caps := defaultCaps()
	caps.Requirements = 1
	e := newEnv(t, stub.Script{}, caps, "")
	id := e.submit(t)

	pending, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: id})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = e.sweeper.Sweep(context.Background(), pending[0].SLADeadline)
	require.NoError(t, err)

	doc := e.load(t, id)
	assert.Equal(t, state.StateHumanReview, doc.CurrentState)
	assert.Contains(t, doc.EscalationReason, "iteration cap reached for requirements")
}

func TestApprovalTimeoutPolicyEscalatesDirectly(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), `approval.approval_type == "requirements"`)
	id := e.submit(t)

	pending, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: id})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = e.sweeper.Sweep(context.Background(), pending[0].SLADeadline)
	require.NoError(t, err)

	doc := e.load(t, id)
	assert.Equal(t, state.StateHumanReview, doc.CurrentState)
	assert.Equal(t, "approval SLA expired for requirements", doc.EscalationReason)
	// No loop-back happened: the escalation pre-empted re-gathering.
	assert.Equal(t, 1, doc.Iteration(state.LoopRequirements))
}

func TestCrashDuringExtractionRecoversIdempotently(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	ctx := context.Background()

	doc := state.New("req-crash", state.Researcher{Email: "chen@example.org"}, "heart failure cohort")
	doc.CurrentState = state.StateDataExtraction
	doc.Requirements = &state.Requirements{
		StudyTitle:   "Heart failure cohort",
		Inclusion:    []string{"adults 18 and older"},
		DataElements: []string{"demographics", "lab_results"},
		PHILevel:     state.PHIDeIdentified,
	}
	doc.PhenotypeSQL = "SELECT patient_id FROM cohort_index"
	doc.Feasibility = &state.Feasibility{Feasible: true, EstimatedCohortSize: 900}
	doc.ExtractionApproved = &state.Review{Decision: state.DecisionApproved, Reviewer: "dr.lee"}
	_, err := e.store.Create(ctx, doc, nil)
	require.NoError(t, err)

	// First run crashes after the agent call, before the save: the counter
	// bump and outputs live only in the abandoned in-memory copy.
	crashed := doc.Clone()
	rec := &nodes.Recorder{}
	_, err = e.registry[state.StateDataExtraction].Run(ctx, crashed, rec)
	require.NoError(t, err)
	require.NotNil(t, crashed.Extraction)
	assert.Equal(t, 1, crashed.Extraction.AttemptNo)

	// Recovery re-runs the node from the persisted document. The attempt
	// number and invocation key repeat, so the agent's output is identical
	// and no duplicate artifact appears.
	require.NoError(t, e.exec.Execute(ctx, "req-crash"))

	recovered := e.load(t, "req-crash")
	assert.Equal(t, state.StateQAReview, recovered.CurrentState)
	assert.Equal(t, 1, recovered.Iteration(state.LoopQAReextract))
	assert.Equal(t, 1, recovered.Extraction.AttemptNo)
	assert.Equal(t, crashed.Extraction.ArtifactURI, recovered.Extraction.ArtifactURI)
	assert.Equal(t, crashed.Extraction.RowCount, recovered.Extraction.RowCount)
}

func TestCancellationFinalizesInHumanReview(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	id := e.submit(t)

	require.NoError(t, e.requests.Cancel(context.Background(), id, "admin"))

	doc := e.load(t, id)
	assert.Equal(t, state.StateHumanReview, doc.CurrentState)
	assert.Equal(t, "cancelled by administrator", doc.EscalationReason)
	assert.True(t, doc.Cancelled)

	// Terminal workflows refuse further cancellation.
	err := e.requests.Cancel(context.Background(), id, "admin")
	assert.ErrorIs(t, err, store.ErrTerminalState)
}

func TestExecuteSkipsHeldLease(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	ctx := context.Background()

	doc := state.New("req-held", state.Researcher{Email: "chen@example.org"}, "cohort")
	_, err := e.store.Create(ctx, doc, nil)
	require.NoError(t, err)

	held, err := e.leases.Acquire(ctx, "req-held")
	require.NoError(t, err)
	defer held.Release(ctx)

	require.NoError(t, e.exec.Execute(ctx, "req-held"))
	assert.Equal(t, state.StateNewRequest, e.load(t, "req-held").CurrentState)
}

func TestExecuteOnTerminalWorkflowIsNoOp(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	ctx := context.Background()

	doc := state.New("req-done", state.Researcher{Email: "chen@example.org"}, "cohort")
	doc.CurrentState = state.StateComplete
	_, err := e.store.Create(ctx, doc, nil)
	require.NoError(t, err)

	require.NoError(t, e.exec.Execute(ctx, "req-done"))
	assert.Equal(t, state.StateComplete, e.load(t, "req-done").CurrentState)
}

func TestWorkerShutdownLeavesWorkflowResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := false
	e := newEnv(t, stub.Script{
		Fail: func(task agent.Task, inv agent.Invocation) error {
			if task == agent.TaskGatherRequirements && !interrupted {
				interrupted = true
				cancel()
				return context.Canceled
			}
			return nil
		},
	}, defaultCaps(), "")

	doc := state.New("req-shutdown", state.Researcher{Email: "chen@example.org"}, "cohort study")
	_, err := e.store.Create(context.Background(), doc, nil)
	require.NoError(t, err)

	err = e.exec.Execute(ctx, "req-shutdown")
	require.Error(t, err)

	// Shutdown is not a workflow outcome: no terminal state, no recorded
	// failure, and the in-flight node re-runs on the next claim.
	current := e.load(t, "req-shutdown")
	assert.Equal(t, state.StateRequirementsGathering, current.CurrentState)
	assert.Nil(t, current.Error)
	assert.Empty(t, current.EscalationReason)

	require.NoError(t, e.exec.Execute(context.Background(), "req-shutdown"))
	assert.Equal(t, state.StateRequirementsReview, e.load(t, "req-shutdown").CurrentState)
}

func TestTerminalAgentFailureRetriesLoopNode(t *testing.T) {
	failed := false
	e := newEnv(t, stub.Script{
		Fail: func(task agent.Task, inv agent.Invocation) error {
			if task == agent.TaskGatherRequirements && !failed {
				failed = true
				return agent.NewError(agent.KindMalformed, inv.RequestID, "output did not parse")
			}
			return nil
		},
	}, defaultCaps(), "")
	id := e.submit(t)

	// The failed pass re-enters the node below the cap; the second pass
	// succeeds and leaves no failure behind.
	doc := e.load(t, id)
	assert.Equal(t, state.StateRequirementsReview, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopRequirements))
	assert.Nil(t, doc.Error)

	kinds := e.auditKinds(t, id)
	assert.Equal(t, 1, kinds[state.AuditAgentFailure])
	assert.Zero(t, kinds[state.AuditEscalated])
}

func TestTerminalAgentFailureEscalatesAtCap(t *testing.T) {
	caps := defaultCaps()
	caps.Requirements = 2
	e := newEnv(t, stub.Script{
		Fail: func(task agent.Task, inv agent.Invocation) error {
			if task == agent.TaskGatherRequirements {
				return agent.NewError(agent.KindMalformed, inv.RequestID, "output did not parse")
			}
			return nil
		},
	}, caps, "")

	escalatedBefore := testutil.ToFloat64(
		metrics.Escalations.WithLabelValues(string(state.StateRequirementsGathering)))

	id := e.submit(t)

	doc := e.load(t, id)
	assert.Equal(t, state.StateHumanReview, doc.CurrentState)
	assert.Equal(t, 2, doc.Iteration(state.LoopRequirements))
	require.NotNil(t, doc.Error)
	assert.Equal(t, string(agent.KindMalformed), doc.Error.Kind)
	assert.Equal(t, state.StateRequirementsGathering, doc.Error.FailedNode)
	assert.Equal(t, "requirements_gathering failed: Malformed", doc.EscalationReason)
	assert.Equal(t, escalatedBefore+1, testutil.ToFloat64(
		metrics.Escalations.WithLabelValues(string(state.StateRequirementsGathering))))

	kinds := e.auditKinds(t, id)
	assert.Equal(t, 2, kinds[state.AuditAgentFailure])
	assert.Equal(t, 1, kinds[state.AuditEscalated])
}

func TestModifiedDecisionFoldsEditsIntoDocument(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	id := e.submit(t)

	pending, err := e.store.ListPendingApprovals(context.Background(),
		store.ApprovalFilter{RequestID: id, Type: state.ApprovalRequirements})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, e.approvals.Decide(context.Background(), approval.DecideRequest{
		ApprovalID: pending[0].ApprovalID,
		Decision:   approval.VerbModify,
		Reviewer:   "dr.lee",
		Notes:      "tighten phi level",
		ModifiedPayload: json.RawMessage(
			`{"phi_level":"limited_dataset","study_title":"Adjusted readmission study"}`),
	}))

	// Modify counts as approval; the edited fields land on the document and
	// the untouched snapshot fields survive the merge.
	doc := e.load(t, id)
	assert.Equal(t, state.StatePhenotypeReview, doc.CurrentState)
	require.NotNil(t, doc.Requirements)
	assert.Equal(t, state.PHILimitedDataset, doc.Requirements.PHILevel)
	assert.Equal(t, "Adjusted readmission study", doc.Requirements.StudyTitle)
	assert.NotEmpty(t, doc.Requirements.Inclusion)
	assert.NotEmpty(t, doc.Requirements.DataElements)
}

// slowStepHandler simulates a node whose agent call outlasts the lease TTL.
// Redis time advances past the original TTL while real time lets the
// keepalive tick renew the lease.
type slowStepHandler struct {
	t  *testing.T
	mr *miniredis.Miniredis
}

func (h *slowStepHandler) Run(ctx context.Context, doc *state.Workflow, rec *nodes.Recorder) (nodes.Result, error) {
	h.mr.FastForward(1500 * time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	h.mr.FastForward(1500 * time.Millisecond)
	assert.True(h.t, h.mr.Exists("researchflow:lease:"+doc.RequestID),
		"lease should survive a step longer than its TTL")
	doc.CurrentState = state.StateComplete
	return nodes.Result{}, nil
}

func TestLeaseRenewedAcrossLongStep(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logger.Discard()
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), log)
	leases := lease.NewManager(client, 2*time.Second)
	st := store.NewMemoryStore()

	registry := nodes.Registry{state.StateNewRequest: &slowStepHandler{t: t, mr: mr}}
	exec := NewExecutor(st, leases, registry, config.EngineConfig{
		PersistMaxRetries:   1,
		PersistRetryBackoff: config.Duration(time.Millisecond),
	}, log)

	doc := state.New("req-slow", state.Researcher{Email: "chen@example.org"}, "cohort study")
	_, err := st.Create(context.Background(), doc, nil)
	require.NoError(t, err)

	require.NoError(t, exec.Execute(context.Background(), "req-slow"))

	final, _, err := st.Load(context.Background(), "req-slow")
	require.NoError(t, err)
	assert.Equal(t, state.StateComplete, final.CurrentState)
}
