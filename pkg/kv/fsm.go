package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

type op string

const (
	opPut          op = "put"
	opCreate       op = "create"
	opDelete       op = "delete"
	opDeletePrefix op = "delete_prefix"
)

// command is the raft log entry payload. It is intentionally small and
// generic (key/value, not a typed domain command) because C1 is a
// byte-string KV abstraction, not a typed orchestrator state machine.
type command struct {
	Op    op     `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// applyResult is what Apply returns via the raft future; Store.apply
// unwraps it back into an error.
type applyResult struct {
	err error
}

// fsm implements raft.FSM over a bbolt-backed bucket.
type fsm struct {
	mu sync.RWMutex
	db *bolt.DB
}

func newFSM(db *bolt.DB) *fsm {
	return &fsm{db: db}
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("unmarshal raft command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		switch cmd.Op {
		case opPut:
			return b.Put([]byte(cmd.Key), cmd.Value)
		case opCreate:
			if b.Get([]byte(cmd.Key)) != nil {
				return errs.ErrAlreadyExists
			}
			return b.Put([]byte(cmd.Key), cmd.Value)
		case opDelete:
			return b.Delete([]byte(cmd.Key))
		case opDeletePrefix:
			c := b.Cursor()
			p := []byte(cmd.Key)
			var keys [][]byte
			for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("unknown kv command op: %s", cmd.Op)
		}
	})
	return applyResult{err: err}
}

// snapshot is a point-in-time copy of every key/value pair, used by
// raft log compaction and by new followers catching up.
type snapshot struct {
	Pairs map[string][]byte
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pairs := make(map[string][]byte)
	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			pairs[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &snapshot{Pairs: pairs}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode kv snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for k, v := range snap.Pairs {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}

// apply submits cmd through raft and blocks until committed, mapping
// raft-level failures onto the package's fatal/transient distinction.
func (s *Store) apply(ctx context.Context, o op, key string, value []byte) error {
	if s.raft == nil {
		return fmt.Errorf("%w: raft not initialized", errs.ErrStoreFatal)
	}

	data, err := json.Marshal(command{Op: o, Key: key, Value: value})
	if err != nil {
		return err
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timeout = d
		}
	}

	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrRaftShutdown {
			return fmt.Errorf("%w: %v", errs.ErrStoreFatal, err)
		}
		return err
	}

	resp := future.Response()
	if r, ok := resp.(applyResult); ok {
		return r.err
	}
	return nil
}
