// Package kvtest provides a single-node, bootstrapped kv.Store for use
// in other packages' tests, so C2-C7 tests don't each reimplement raft
// bootstrap plumbing.
package kvtest

import (
	"net"
	"testing"
	"time"

	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/stretchr/testify/require"
)

// NewStore opens a store in a fresh temp directory, bootstraps a
// single-node raft cluster, and waits for leadership before returning.
func NewStore(t *testing.T) *kv.Store {
	t.Helper()

	dir := t.TempDir()
	s, err := kv.Open(dir, "node-"+t.Name(), kv.Options{RetryBase: 5 * time.Millisecond})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bindAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	require.NoError(t, s.Bootstrap(kv.ClusterConfig{BindAddr: bindAddr, DataDir: dir}))

	require.Eventually(t, func() bool {
		return s.IsLeader()
	}, 3*time.Second, 10*time.Millisecond, "store never became leader")

	return s
}
