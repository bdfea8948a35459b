// Package queue implements the queue/task runtime (C4): three logical
// namespaces (queue/<q>, processing/<q>, and deferred entries keyed by
// future timestamps), at-least-once dispatch, and crash recovery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/lock"
	"github.com/google/uuid"
)

// Runtime wraps a kv.Store with the queue operations.
type Runtime struct {
	store *kv.Store
}

func New(store *kv.Store) *Runtime {
	return &Runtime{store: store}
}

func queueKey(q, jobname string) string      { return fmt.Sprintf("/sf/queue/%s/%s", q, jobname) }
func processingKey(q, jobname string) string { return fmt.Sprintf("/sf/processing/%s/%s", q, jobname) }

func newJobname(entryTime time.Time) string {
	return fmt.Sprintf("%d-%s", entryTime.Unix(), uuid.NewString()[:8])
}

// Enqueue places workitem on q, dispatchable at now()+delay.
func (r *Runtime) Enqueue(ctx context.Context, q string, w Workitem, delay time.Duration) error {
	jobname := newJobname(time.Now().Add(delay))
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, queueKey(q, jobname), data)
}

func parseEntryTime(jobname string) (time.Time, error) {
	idx := strings.Index(jobname, "-")
	if idx < 0 {
		return time.Time{}, fmt.Errorf("malformed queue entry name: %s", jobname)
	}
	sec, err := strconv.ParseInt(jobname[:idx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed queue entry name: %s: %w", jobname, err)
	}
	return time.Unix(sec, 0), nil
}

// Dequeue returns the earliest dispatchable entry on q, moving it to
// processing/<q>/<jobname>, or ("", nil, nil) if the queue is empty or
// its smallest entry is not yet due. The fetch-check-move-delete
// sequence is guarded by a short-lived lock on the queue name itself,
// held in the replicated store, so two dispatchers on any nodes never
// race the same entry; the move is a raft-replicated put to
// processing/ followed by a delete from queue/.
func (r *Runtime) Dequeue(ctx context.Context, q string) (string, *Workitem, error) {
	h, err := lock.Acquire(ctx, r.store, "queue", "dequeue", q, 5*time.Second, 5*time.Second, "dequeue")
	if err != nil {
		return "", nil, err
	}
	defer h.Release(ctx)

	prefix := fmt.Sprintf("/sf/queue/%s/", q)
	pairs, err := r.store.GetPrefix(ctx, prefix, kv.SortAscending, 1)
	if err != nil {
		return "", nil, err
	}
	if len(pairs) == 0 {
		return "", nil, nil
	}

	key := pairs[0].Key
	jobname := strings.TrimPrefix(key, prefix)

	entryTime, err := parseEntryTime(jobname)
	if err != nil {
		return "", nil, err
	}
	if entryTime.After(time.Now()) {
		return "", nil, nil
	}

	var w Workitem
	if err := json.Unmarshal(pairs[0].Value, &w); err != nil {
		return "", nil, err
	}

	if err := r.store.Put(ctx, processingKey(q, jobname), pairs[0].Value); err != nil {
		return "", nil, err
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return "", nil, err
	}

	return jobname, &w, nil
}

// Resolve marks jobname on q as done by deleting its processing entry.
func (r *Runtime) Resolve(ctx context.Context, q, jobname string) error {
	return r.store.Delete(ctx, processingKey(q, jobname))
}

// QueueLength classifies every entry on q by timestamp.
type QueueLength struct {
	Processing int
	Ready      int
	Deferred   int
}

func (r *Runtime) GetQueueLength(ctx context.Context, q string) (QueueLength, error) {
	var out QueueLength

	processing, err := r.store.GetPrefix(ctx, fmt.Sprintf("/sf/processing/%s/", q), kv.SortAscending, 0)
	if err != nil {
		return out, err
	}
	out.Processing = len(processing)

	ready, err := r.store.GetPrefix(ctx, fmt.Sprintf("/sf/queue/%s/", q), kv.SortAscending, 0)
	if err != nil {
		return out, err
	}
	now := time.Now()
	for _, p := range ready {
		jobname := strings.TrimPrefix(p.Key, fmt.Sprintf("/sf/queue/%s/", q))
		entryTime, err := parseEntryTime(jobname)
		if err != nil {
			continue
		}
		if entryTime.After(now) {
			out.Deferred++
		} else {
			out.Ready++
		}
	}
	return out, nil
}

// Outstanding lists processing/<q>/* entries for operator introspection,
// matching the Python source's get_outstanding_jobs.
func (r *Runtime) Outstanding(ctx context.Context, q string) ([]string, error) {
	pairs, err := r.store.GetPrefix(ctx, fmt.Sprintf("/sf/processing/%s/", q), kv.SortAscending, 0)
	if err != nil {
		return nil, err
	}
	jobnames := make([]string, 0, len(pairs))
	prefix := fmt.Sprintf("/sf/processing/%s/", q)
	for _, p := range pairs {
		jobnames = append(jobnames, strings.TrimPrefix(p.Key, prefix))
	}
	return jobnames, nil
}

// RestartQueues moves every processing/<q>/* entry for q back onto
// queue/<q>/* with the same jobname, deleting the processing copy.
// Called once at daemon boot for the local node's queue (and, for the
// designated network node, the "networknode" queue as well), to
// recover at-least-once semantics after a crash mid-dispatch.
func (r *Runtime) RestartQueues(ctx context.Context, queues []string) error {
	for _, q := range queues {
		prefix := fmt.Sprintf("/sf/processing/%s/", q)
		pairs, err := r.store.GetPrefix(ctx, prefix, kv.SortAscending, 0)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			jobname := strings.TrimPrefix(p.Key, prefix)
			if err := r.store.Put(ctx, queueKey(q, jobname), p.Value); err != nil {
				return err
			}
			if err := r.store.Delete(ctx, p.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
