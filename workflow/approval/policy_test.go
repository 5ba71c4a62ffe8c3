package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/researchflow/common/state"
)

func TestEmptyPolicyNeverEscalates(t *testing.T) {
	policy, err := NewTimeoutPolicy("")
	require.NoError(t, err)

	ap := state.NewApproval("req-1", state.ApprovalRequirements, nil, time.Hour)
	doc := state.New("req-1", state.Researcher{}, "r")

	escalate, err := policy.Escalate(ap, doc)
	require.NoError(t, err)
	assert.False(t, escalate)
}

func TestPolicyOverApprovalType(t *testing.T) {
	policy, err := NewTimeoutPolicy(`approval.approval_type == "extraction"`)
	require.NoError(t, err)

	doc := state.New("req-1", state.Researcher{}, "r")

	extraction := state.NewApproval("req-1", state.ApprovalExtraction, nil, time.Hour)
	escalate, err := policy.Escalate(extraction, doc)
	require.NoError(t, err)
	assert.True(t, escalate)

	requirements := state.NewApproval("req-1", state.ApprovalRequirements, nil, time.Hour)
	escalate, err = policy.Escalate(requirements, doc)
	require.NoError(t, err)
	assert.False(t, escalate)
}

func TestPolicyOverWorkflowFields(t *testing.T) {
	policy, err := NewTimeoutPolicy(
		`approval.approval_type == "qa" || workflow.iteration_counters.requirements >= 3`)
	require.NoError(t, err)

	ap := state.NewApproval("req-1", state.ApprovalRequirements, nil, time.Hour)

	doc := state.New("req-1", state.Researcher{}, "r")
	doc.IterationCounters[state.LoopRequirements] = 1
	escalate, err := policy.Escalate(ap, doc)
	require.NoError(t, err)
	assert.False(t, escalate)

	doc.IterationCounters[state.LoopRequirements] = 3
	escalate, err = policy.Escalate(ap, doc)
	require.NoError(t, err)
	assert.True(t, escalate)
}

func TestPolicyCompileErrors(t *testing.T) {
	_, err := NewTimeoutPolicy(`approval ==`)
	assert.Error(t, err)
}

func TestPolicyMustReturnBool(t *testing.T) {
	policy, err := NewTimeoutPolicy(`approval.approval_type`)
	require.NoError(t, err)

	ap := state.NewApproval("req-1", state.ApprovalQA, nil, time.Hour)
	_, err = policy.Escalate(ap, state.New("req-1", state.Researcher{}, "r"))
	assert.Error(t, err)
}
