package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoveringPrefixSpecialCased(t *testing.T) {
	assert.Equal(t, "/sf/node", coveringPrefix("/sf/node/abc123"))
	assert.Equal(t, "/sf/namespace", coveringPrefix("/sf/namespace/default"))
}

func TestCoveringPrefixUUID(t *testing.T) {
	id := "550e8400-e29b-41d4-a716-446655440000"
	got := coveringPrefix("/sf/instance/" + id)
	assert.Equal(t, "/sf/instance/", got)
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "/sf/node/a", []byte("1")))

	snap := s.BeginReadonly(ctx)
	v, err := snap.Get("/sf/node/a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	assert.ErrorContains(t, snap.Put("/sf/node/a", []byte("2")), "forbidden")
	assert.ErrorContains(t, snap.Create("/sf/node/b", []byte("2")), "forbidden")
	assert.ErrorContains(t, snap.Delete("/sf/node/a"), "forbidden")
}

func TestSnapshotServesFromCacheAfterUnderlyingChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "/sf/node/a", []byte("1")))

	snap := s.BeginReadonly(ctx)
	_, err := snap.Get("/sf/node/a")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "/sf/node/a", []byte("2")))

	v, err := snap.Get("/sf/node/a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v), "snapshot must not observe writes after its prefix was loaded")
}
