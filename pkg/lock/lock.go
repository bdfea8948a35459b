// Package lock implements the lease-based distributed lock manager
// (C2): compare-and-set locks under /sflocks/sf/<type>/<subtype>/<name>
// with holder identity (node, pid, operation) embedded and a
// cooperative TTL.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/log"
)

// SlowLockThreshold is the wait duration after which Acquire logs an
// info-level "still waiting" message, matching spec.md §4.2's
// SLOW_LOCK_THRESHOLD. It is a var, not a const, so tests can shrink it.
var SlowLockThreshold = 5 * time.Second

// pollInterval is how often Acquire retries the compare-and-set.
var pollInterval = 1 * time.Second

// holder is the value stored at the lock key.
type holder struct {
	Node     string `json:"node"`
	PID      int    `json:"pid"`
	Op       string `json:"operation"`
	Deadline int64  `json:"deadline"` // unix seconds; lease expiry
}

// Handle is a held lock; Refresh/Release operate on it.
type Handle struct {
	store *kv.Store
	key   string
	holder holder
}

func lockKey(objType, subtype, name string) string {
	return fmt.Sprintf("/sflocks/sf/%s/%s/%s", objType, subtype, name)
}

// Acquire attempts to take the named lock, polling once per second
// until timeout elapses. ttl bounds how long this node may hold the
// lock before a Refresh is required; a lock past its deadline is
// considered abandoned and may be stolen by the next Acquire.
func Acquire(ctx context.Context, store *kv.Store, objType, subtype, name string, ttl, timeout time.Duration, op string) (*Handle, error) {
	key := lockKey(objType, subtype, name)
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	loggedSlow := false

	for {
		h := holder{Node: store.NodeID(), PID: os.Getpid(), Op: op, Deadline: time.Now().Add(ttl).Unix()}
		data, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}

		err = store.Create(deadlineCtx, key, data)
		if err == nil {
			return &Handle{store: store, key: key, holder: h}, nil
		}

		// Someone else holds it (or held it). If their lease expired,
		// reclaim it by deleting and retrying on the next tick.
		if existing, ok := readHolder(ctx, store, key); ok && leaseExpired(existing) {
			_ = store.Delete(ctx, key)
		}

		if !loggedSlow && time.Since(start) > SlowLockThreshold {
			loggedSlow = true
			log.WithComponent("lock").Info().
				Str("key", key).Str("op", op).
				Dur("waited", time.Since(start)).
				Msg("waiting for lock")
		}

		select {
		case <-deadlineCtx.Done():
			node, pid := "", 0
			if existing, ok := readHolder(ctx, store, key); ok {
				node, pid = existing.Node, existing.PID
			}
			return nil, fmt.Errorf("%w: %s held by node=%s pid=%d", errs.ErrLockAcquireTimeout, key, node, pid)
		case <-time.After(pollInterval):
		}
	}
}

func readHolder(ctx context.Context, store *kv.Store, key string) (holder, bool) {
	v, err := store.Get(ctx, key)
	if err != nil {
		return holder{}, false
	}
	var h holder
	if err := json.Unmarshal(v, &h); err != nil {
		return holder{}, false
	}
	return h, true
}

func leaseExpired(h holder) bool {
	return time.Now().Unix() > h.Deadline
}

// Refresh extends the lease by ttl. It fails with ErrLockExpired if the
// lock is no longer held by this handle's identity.
func (handle *Handle) Refresh(ctx context.Context, ttl time.Duration) error {
	existing, ok := readHolder(ctx, handle.store, handle.key)
	if !ok || existing != handle.holder {
		return errs.ErrLockExpired
	}
	handle.holder.Deadline = time.Now().Add(ttl).Unix()
	data, err := json.Marshal(handle.holder)
	if err != nil {
		return err
	}
	return handle.store.Put(ctx, handle.key, data)
}

// Release deletes the lock key. It fails with ErrLockReleaseFailed if
// the key is missing or owned by someone else, logging the full lock
// inventory under /sflocks/sf/ for diagnosis, per spec.md §4.2.
func (handle *Handle) Release(ctx context.Context) error {
	existing, ok := readHolder(ctx, handle.store, handle.key)
	if !ok || existing != handle.holder {
		logInventory(ctx, handle.store)
		return fmt.Errorf("%w: %s", errs.ErrLockReleaseFailed, handle.key)
	}
	return handle.store.Delete(ctx, handle.key)
}

func logInventory(ctx context.Context, store *kv.Store) {
	pairs, err := store.GetPrefix(ctx, "/sflocks/sf/", kv.SortAscending, 0)
	if err != nil {
		return
	}
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Key)
	}
	log.WithComponent("lock").Warn().Str("locks", strings.Join(keys, ",")).Msg("lock release failed, current inventory")
}

// ClearStale scans every lock held by node and deletes any whose
// embedded pid is no longer a running process on this host. Called
// once at daemon start to recover from an unclean shutdown, per
// spec.md §4.2.
func ClearStale(ctx context.Context, store *kv.Store, node string) error {
	pairs, err := store.GetPrefix(ctx, "/sflocks/sf/", kv.SortAscending, 0)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		var h holder
		if err := json.Unmarshal(p.Value, &h); err != nil {
			continue
		}
		if h.Node != node {
			continue
		}
		if processAlive(h.PID) {
			continue
		}
		if err := store.Delete(ctx, p.Key); err != nil {
			log.WithComponent("lock").Warn().Str("key", p.Key).Err(err).Msg("failed to clear stale lock")
		}
	}
	return nil
}

// processAlive reports whether pid is a live process on this host,
// using the standard signal-0 liveness probe.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
