package kv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a single-node bootstrapped store in a fresh temp
// directory and waits for it to become raft leader, so writes in tests
// don't need to retry through retryForever's backoff.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	s, err := Open(dir, "node-"+t.Name(), Options{RetryBase: 5 * time.Millisecond})
	require.NoError(t, err)

	// raft's TCP transport needs a concrete port; pick one ephemeral
	// port per test via net.Listen rather than binding ":0" twice.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bindAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	require.NoError(t, s.Bootstrap(ClusterConfig{BindAddr: bindAddr, DataDir: dir}))

	require.Eventually(t, func() bool {
		return s.IsLeader()
	}, 3*time.Second, 10*time.Millisecond, "store never became leader")

	return s
}

func TestStorePutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/sf/node/a", []byte(`{"id":"a"}`)))

	v, err := s.Get(ctx, "/sf/node/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a"}`, string(v))
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "/sf/node/missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStoreCreateFailsIfExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "/sf/node/a", []byte("1")))
	err := s.Create(ctx, "/sf/node/a", []byte("2"))
	assert.Error(t, err)

	v, _ := s.Get(ctx, "/sf/node/a")
	assert.Equal(t, "1", string(v))
}

func TestStoreDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/sf/queue/a/1-x", []byte("1")))
	require.NoError(t, s.Put(ctx, "/sf/queue/a/2-y", []byte("2")))
	require.NoError(t, s.Put(ctx, "/sf/queue/b/1-z", []byte("3")))

	require.NoError(t, s.DeletePrefix(ctx, "/sf/queue/a/"))

	pairs, err := s.GetPrefix(ctx, "/sf/queue/", SortAscending, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "/sf/queue/b/1-z", pairs[0].Key)
}

func TestStoreGetPrefixSortAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/sf/queue/a/3-c", []byte("3")))
	require.NoError(t, s.Put(ctx, "/sf/queue/a/1-a", []byte("1")))
	require.NoError(t, s.Put(ctx, "/sf/queue/a/2-b", []byte("2")))

	pairs, err := s.GetPrefix(ctx, "/sf/queue/a/", SortAscending, 2)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "/sf/queue/a/1-a", pairs[0].Key)
	assert.Equal(t, "/sf/queue/a/2-b", pairs[1].Key)
}
