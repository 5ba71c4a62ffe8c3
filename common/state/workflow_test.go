package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentDefaults(t *testing.T) {
	doc := New("req-42", Researcher{Name: "Dr. Chen", Email: "chen@example.org"}, "asthma readmissions")

	assert.Equal(t, StateNewRequest, doc.CurrentState)
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "audit:req-42", doc.AuditRef)
	assert.NotNil(t, doc.IterationCounters)
	assert.NoError(t, doc.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	doc := New("req-1", Researcher{Email: "a@b.c"}, "request")
	doc.Requirements = &Requirements{StudyTitle: "original", Inclusion: []string{"dx:E11"}}
	doc.IterationCounters[LoopRequirements] = 2

	clone := doc.Clone()
	clone.Requirements.StudyTitle = "mutated"
	clone.Requirements.Inclusion[0] = "dx:J45"
	clone.IterationCounters[LoopRequirements] = 9

	assert.Equal(t, "original", doc.Requirements.StudyTitle)
	assert.Equal(t, "dx:E11", doc.Requirements.Inclusion[0])
	assert.Equal(t, 2, doc.IterationCounters[LoopRequirements])
}

func TestReviewTriState(t *testing.T) {
	var unset *Review
	assert.False(t, unset.Approved())
	assert.False(t, unset.Rejected())

	yes := &Review{Decision: DecisionApproved}
	assert.True(t, yes.Approved())
	assert.False(t, yes.Rejected())

	no := &Review{Decision: DecisionRejected, Reason: "too broad"}
	assert.True(t, no.Rejected())
	assert.False(t, no.Approved())
}

func TestIterationCounters(t *testing.T) {
	doc := New("req-1", Researcher{}, "r")

	assert.Equal(t, 0, doc.Iteration(LoopQAReextract))
	assert.Equal(t, 1, doc.IncrementIteration(LoopQAReextract))
	assert.Equal(t, 2, doc.IncrementIteration(LoopQAReextract))
	assert.Equal(t, 2, doc.Iteration(LoopQAReextract))
	assert.Equal(t, 0, doc.Iteration(LoopRequirements))
}

func TestConsumedApprovals(t *testing.T) {
	doc := New("req-1", Researcher{}, "r")

	assert.False(t, doc.ConsumedApproval(ApprovalRequirements, "ap-1"))
	doc.MarkApprovalConsumed(ApprovalRequirements, "ap-1")
	assert.True(t, doc.ConsumedApproval(ApprovalRequirements, "ap-1"))
	assert.False(t, doc.ConsumedApproval(ApprovalRequirements, "ap-2"))

	// A later iteration's approval supersedes the earlier one.
	doc.MarkApprovalConsumed(ApprovalRequirements, "ap-2")
	assert.True(t, doc.ConsumedApproval(ApprovalRequirements, "ap-2"))
	assert.False(t, doc.ConsumedApproval(ApprovalRequirements, "ap-1"))
}

func TestValidateRejectsUnknownState(t *testing.T) {
	doc := New("req-1", Researcher{}, "r")
	doc.CurrentState = State("quantum_review")
	assert.Error(t, doc.Validate())
}

func TestValidateRejectsNewerSchema(t *testing.T) {
	doc := New("req-1", Researcher{}, "r")
	doc.SchemaVersion = CurrentSchemaVersion + 1
	assert.Error(t, doc.Validate())
}

func TestValidateRejectsFailedQAAtCompletion(t *testing.T) {
	doc := New("req-1", Researcher{}, "r")
	doc.CurrentState = StateComplete
	doc.QAReport = &QAReport{OverallStatus: QAFailed}
	assert.Error(t, doc.Validate())

	doc.QAReport.OverallStatus = QAPassed
	assert.NoError(t, doc.Validate())
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateHumanReview.Terminal())
	assert.False(t, StateDataExtraction.Terminal())

	assert.True(t, StateQAReview.Gate())
	assert.False(t, StateQAValidation.Gate())

	assert.True(t, StateNewRequest.Valid())
	assert.False(t, State("").Valid())
}

func TestGateApprovalTypeMapping(t *testing.T) {
	cases := map[State]ApprovalType{
		StateRequirementsReview: ApprovalRequirements,
		StatePhenotypeReview:    ApprovalPhenotypeSQL,
		StateExtractionApproval: ApprovalExtraction,
		StateQAReview:           ApprovalQA,
	}
	for gate, want := range cases {
		got, ok := GateApprovalType[gate]
		require.True(t, ok, "gate %s", gate)
		assert.Equal(t, want, got)
	}

	_, ok := GateApprovalType[StateDataExtraction]
	assert.False(t, ok)
}

func TestNewApprovalDeadline(t *testing.T) {
	ap := NewApproval("req-1", ApprovalQA, []byte(`{"qa_report":null}`), 72*time.Hour)

	assert.Equal(t, ApprovalPending, ap.Status)
	assert.NotEmpty(t, ap.ApprovalID)
	assert.False(t, ap.Status.TerminalStatus())
	assert.WithinDuration(t, time.Now().UTC().Add(72*time.Hour), ap.SLADeadline, 5*time.Second)
}
