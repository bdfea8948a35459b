package object

import (
	"context"
	"testing"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/fleetkit/controlplane/pkg/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSM = StateMachine{
	CurrentVersion: 1,
	Targets: map[string][]string{
		"":         {"initial"},
		"initial":  {"queued", "deleted"},
		"queued":   {"executing", "deleted"},
		"executing": {"complete", "error"},
		"complete": {"deleted"},
		"error":    {"deleted"},
	},
}

func TestNewIsIdempotent(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	a, err := New(ctx, store, "widget", testSM, "u1", map[string]any{"name": "one"})
	require.NoError(t, err)

	b, err := New(ctx, store, "widget", testSM, "u1", map[string]any{"name": "two"})
	require.NoError(t, err)
	assert.Equal(t, a.UUID, b.UUID)

	payload, err := b.StaticPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", payload["name"], "second New must not overwrite the existing object")
}

func TestLegalTransitionsSucceed(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	o, err := New(ctx, store, "widget", testSM, "u1", nil)
	require.NoError(t, err)

	state, err := o.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "initial", state)

	require.NoError(t, o.SetState(ctx, "queued"))
	require.NoError(t, o.SetState(ctx, "executing"))
	require.NoError(t, o.SetState(ctx, "complete"))
	require.NoError(t, o.SetState(ctx, "deleted"))
}

func TestIllegalTransitionFails(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	o, err := New(ctx, store, "widget", testSM, "u1", nil)
	require.NoError(t, err)

	err = o.SetState(ctx, "complete")
	assert.ErrorIs(t, err, errs.ErrIllegalStateTransition)
}

func TestAttributeLockRoundTrip(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	o, err := New(ctx, store, "widget", testSM, "u1", nil)
	require.NoError(t, err)

	h, err := o.GetLockAttr(ctx, "results", "add result", 0, 0)
	require.NoError(t, err)
	require.NoError(t, o.SetAttribute(ctx, "results", map[string]any{"0": "ok"}))
	require.NoError(t, h.Release(ctx))

	var results map[string]any
	require.NoError(t, o.GetAttribute(ctx, "results", &results))
	assert.Equal(t, "ok", results["0"])
}
