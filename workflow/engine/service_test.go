package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/researchflow/common/agent/stub"
	"github.com/meridianhealth/researchflow/common/state"
	"github.com/meridianhealth/researchflow/common/store"
)

func TestSubmitValidatesInput(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	ctx := context.Background()

	_, err := e.requests.Submit(ctx, SubmitRequest{
		Researcher: state.Researcher{Email: "chen@example.org"},
	})
	assert.Error(t, err)

	_, err = e.requests.Submit(ctx, SubmitRequest{
		InitialRequest: "cohort study",
	})
	assert.Error(t, err)
}

func TestStatusAndAudit(t *testing.T) {
	e := newEnv(t, stub.Script{}, defaultCaps(), "")
	ctx := context.Background()
	id := e.submit(t)

	doc, version, err := e.requests.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateRequirementsReview, doc.CurrentState)
	assert.Greater(t, version, int64(1))

	events, err := e.requests.Audit(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, state.AuditCreated, events[0].Kind)

	_, _, err = e.requests.Status(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.requests.Audit(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
