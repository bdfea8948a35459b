package lock

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/fleetkit/controlplane/pkg/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	h, err := Acquire(ctx, store, "instance", "power", "vm-1", 5*time.Second, time.Second, "test")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestAcquireExclusion(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	h, err := Acquire(ctx, store, "instance", "power", "vm-1", 5*time.Second, time.Second, "first")
	require.NoError(t, err)

	_, err = Acquire(ctx, store, "instance", "power", "vm-1", 5*time.Second, 1500*time.Millisecond, "second")
	assert.ErrorIs(t, err, errs.ErrLockAcquireTimeout)

	require.NoError(t, h.Release(ctx))
}

func TestClearStaleReclaimsDeadProcessLocks(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	h, err := Acquire(ctx, store, "instance", "power", "vm-1", 5*time.Second, time.Second, "test")
	require.NoError(t, err)
	h.holder.PID = 999999998 // astronomically unlikely to be a live pid
	require.NoError(t, store.Put(ctx, h.key, mustJSON(t, h.holder)))

	require.NoError(t, ClearStale(ctx, store, store.NodeID()))

	_, err = store.Get(ctx, h.key)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClearStaleKeepsLiveProcessLocks(t *testing.T) {
	store := kvtest.NewStore(t)
	ctx := context.Background()

	h, err := Acquire(ctx, store, "instance", "power", "vm-1", 5*time.Second, time.Second, "test")
	require.NoError(t, err)
	h.holder.PID = os.Getpid()
	require.NoError(t, store.Put(ctx, h.key, mustJSON(t, h.holder)))

	require.NoError(t, ClearStale(ctx, store, store.NodeID()))

	_, err = store.Get(ctx, h.key)
	assert.NoError(t, err)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
