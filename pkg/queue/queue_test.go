package queue

import (
	"context"
	"testing"
	"time"

	"github.com/fleetkit/controlplane/pkg/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	w := Workitem{Tasks: []Task{FetchBlobTask{BlobUUID: "b1"}}}
	require.NoError(t, r.Enqueue(ctx, "nodeA", w, 0))

	jobname, got, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	require.NotEmpty(t, jobname)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, FetchBlobTask{BlobUUID: "b1"}, got.Tasks[0])
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	jobname, w, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	assert.Empty(t, jobname)
	assert.Nil(t, w)
}

func TestDeferredDispatch(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, "nodeA", Workitem{}, 2*time.Second))

	jobname, w, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	assert.Empty(t, jobname)
	assert.Nil(t, w)
}

func TestRestartQueuesRecoversProcessingEntries(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, "nodeA", Workitem{}, 0))
	jobname, _, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	require.NotEmpty(t, jobname)

	ql, err := r.GetQueueLength(ctx, "nodeA")
	require.NoError(t, err)
	assert.Equal(t, 1, ql.Processing)
	assert.Equal(t, 0, ql.Ready)

	require.NoError(t, r.RestartQueues(ctx, []string{"nodeA"}))

	ql, err = r.GetQueueLength(ctx, "nodeA")
	require.NoError(t, err)
	assert.Equal(t, 0, ql.Processing)
	assert.Equal(t, 1, ql.Ready)

	gotJobname, _, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	assert.Equal(t, jobname, gotJobname)
}

func TestResolveRemovesProcessingEntry(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, "nodeA", Workitem{}, 0))
	jobname, _, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, "nodeA", jobname))

	require.NoError(t, r.RestartQueues(ctx, []string{"nodeA"}))
	gotJobname, w, err := r.Dequeue(ctx, "nodeA")
	require.NoError(t, err)
	assert.Empty(t, gotJobname)
	assert.Nil(t, w)
}

func TestGetCurrentBlobTransfersExcludesAbsentNodes(t *testing.T) {
	store := kvtest.NewStore(t)
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, "nodeA", Workitem{Tasks: []Task{
		FetchBlobTask{BlobUUID: "b1", Node: "nodeB"},
	}}, 0))
	require.NoError(t, r.Enqueue(ctx, "nodeA", Workitem{Tasks: []Task{
		FetchBlobTask{BlobUUID: "b2", Node: "nodeC"},
	}}, 0))

	transfers, err := r.GetCurrentBlobTransfers(ctx, map[string]bool{"nodeB": true})
	require.NoError(t, err)
	assert.NotContains(t, transfers, "b1")
	assert.Contains(t, transfers, "b2")
}
