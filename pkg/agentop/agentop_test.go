package agentop

import (
	"context"
	"testing"

	"github.com/fleetkit/controlplane/pkg/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsIdempotentAndPreservesCommands(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	commands := []map[string]any{{"command": "execute", "commandline": "uptime"}}
	a, err := New(ctx, store, "op1", "ns1", "inst1", commands)
	require.NoError(t, err)
	assert.Equal(t, "ns1", a.Namespace)
	assert.Equal(t, "inst1", a.InstanceUUID)
	require.Len(t, a.Commands, 1)

	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInitial, state)

	b, err := New(ctx, store, "op1", "other-ns", "other-inst", nil)
	require.NoError(t, err)
	assert.Equal(t, "ns1", b.Namespace, "second New must not overwrite the existing operation")
}

func TestStateTransitions(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	a, err := New(ctx, store, "op2", "ns1", "inst1", nil)
	require.NoError(t, err)

	require.NoError(t, a.SetState(ctx, StateQueued))
	require.NoError(t, a.SetState(ctx, StateExecuting))
	require.NoError(t, a.SetState(ctx, StateComplete))
	require.NoError(t, a.Delete(ctx))

	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, state)
}

func TestAddResultAccumulates(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	a, err := New(ctx, store, "op3", "ns1", "inst1", nil)
	require.NoError(t, err)

	require.NoError(t, a.AddResult(ctx, 0, map[string]any{"stdout": "ok"}))
	require.NoError(t, a.AddResult(ctx, 1, map[string]any{"stdout": "also ok"}))

	results, err := a.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ok", results["0"].(map[string]any)["stdout"])
}

func TestExternalViewMixesInResults(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	a, err := New(ctx, store, "op4", "ns1", "inst1", nil)
	require.NoError(t, err)
	require.NoError(t, a.AddResult(ctx, 0, "done"))

	view, err := a.ExternalView(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ns1", view["namespace"])
	assert.Equal(t, StateInitial, view["state"])
	results := view["results"].(map[string]any)
	assert.Equal(t, "done", results["0"])
}
