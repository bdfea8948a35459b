// Package kv implements the coordinated key-value store abstraction
// (C1): a raft-replicated, bbolt-backed store exposing get/put/create/
// delete/get_prefix/delete_prefix and a retry-forever wrapper around
// transient failures. The local bbolt handle is opened once by Open and
// is not reconnected.
//
// The external system this package stands in for is "any strongly-
// consistent KV store with lease-backed locks and prefix range
// queries" (spec.md's Non-goals). Rather than pull in a second,
// unrelated coordination dependency, writes are replicated through our
// own raft group (github.com/hashicorp/raft) and applied to a local
// go.etcd.io/bbolt database.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/fleetkit/controlplane/pkg/log"
	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// SortOrder controls GetPrefix ordering.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// Pair is a single key/value result from a prefix scan.
type Pair struct {
	Key   string
	Value []byte
}

// Store is the replicated key-value store. One Store is created per
// node process and shared by every goroutine; there is no per-task
// connection object in Go the way the Python source keeps one on
// thread-local storage — callers instead pass a *Store (or a
// *Snapshot, see snapshot.go) explicitly, per spec.md §9's design note.
type Store struct {
	nodeID string
	db     *bolt.DB
	raft   *raft.Raft
	fsm    *fsm

	retryBase time.Duration
}

// Options configures retry-forever pacing. Zero value uses a 100ms
// RetryBase.
type Options struct {
	// RetryBase is multiplied by the attempt count to produce the
	// sleep between retries, matching the Python wrapper's
	// `count/10` seconds-per-attempt pacing.
	RetryBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	return o
}

// Open creates the local bbolt handle and FSM but does not start raft;
// callers must call Bootstrap or Join (cluster.go) before the store
// accepts writes. Reads are served from the local db immediately.
func Open(dataDir, nodeID string, opts Options) (*Store, error) {
	db, err := bolt.Open(dataDir+"/kv.db", 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreFatal, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreFatal, err)
	}

	o := opts.withDefaults()
	return &Store{
		nodeID:    nodeID,
		db:        db,
		fsm:       newFSM(db),
		retryBase: o.RetryBase,
	}, nil
}

// Status probes store liveness. The Python source does this implicitly
// on every checked-out connection ("a status() probe precedes each
// returned handle, rebuilding the connection on error"); here the bbolt
// handle never needs rebuilding, so Status only verifies the db is
// still open; the raft role is not consulted.
func (s *Store) Status(ctx context.Context) error {
	if s.db == nil {
		return errs.ErrStoreFatal
	}
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// retryForever wraps op so that a transient failure is retried
// indefinitely with linearly increasing backoff: sleep count/10s with
// count incremented per attempt. Deterministic, non-transient outcomes
// — ErrNotFound, ErrAlreadyExists, a fatal store connection, or a raft
// leadership error the caller must react to — propagate immediately
// instead of being retried.
func (s *Store) retryForever(ctx context.Context, op func() error) error {
	count := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		count++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(count) * s.retryBase):
		}
		log.WithComponent("kv").Info().Int("attempt", count).Err(err).Msg("retrying transient store error")
	}
}

// isTransient reports whether err is a condition worth retrying
// forever. ErrNotFound/ErrAlreadyExists are deterministic outcomes of
// the data already in the store — no amount of retrying changes them
// — and raft's leadership errors mean this node cannot currently make
// progress and must let the caller decide, not spin here.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, nonTransient := range []error{
		errs.ErrStoreFatal, errs.ErrNotFound, errs.ErrAlreadyExists,
		raft.ErrNotLeader, raft.ErrLeadershipLost, raft.ErrLeadershipTransferInProgress, raft.ErrRaftShutdown,
	} {
		if errors.Is(err, nonTransient) {
			return false
		}
	}
	return true
}

// Get returns the value stored at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.retryForever(ctx, func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketName).Get([]byte(key))
			if v == nil {
				return errs.ErrNotFound
			}
			out = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// Put writes value at key unconditionally, replicated through raft.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.retryForever(ctx, func() error {
		return s.apply(ctx, opPut, key, value)
	})
}

// Create writes value at key only if it does not already exist.
func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	return s.retryForever(ctx, func() error {
		return s.apply(ctx, opCreate, key, value)
	})
}

// Delete removes key. It is not an error if the key is absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retryForever(ctx, func() error {
		return s.apply(ctx, opDelete, key, nil)
	})
}

// DeletePrefix removes every key sharing the given prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	return s.retryForever(ctx, func() error {
		return s.apply(ctx, opDeletePrefix, prefix, nil)
	})
}

// GetPrefix returns every key/value pair sharing prefix, sorted by key
// and truncated to limit (0 means unlimited). A value that fails to
// decode is the caller's concern — GetPrefix itself returns raw bytes;
// callers that need lenient per-key JSON decoding (as the Python
// source does in get_all) implement that at their layer, see
// blobtransfers.go's workitem decoding.
func (s *Store) GetPrefix(ctx context.Context, prefix string, sort_ SortOrder, limit int) ([]Pair, error) {
	var out []Pair
	err := s.retryForever(ctx, func() error {
		out = nil
		return s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketName).Cursor()
			p := []byte(prefix)
			for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
				out = append(out, Pair{Key: string(k), Value: append([]byte(nil), v...)})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if sort_ == SortDescending {
		sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NodeID returns the identity this store's locks and per-node queue
// keys are namespaced under.
func (s *Store) NodeID() string { return s.nodeID }
