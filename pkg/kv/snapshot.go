package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetkit/controlplane/pkg/errs"
)

// Snapshot is a read-only, prefix-bulk-loaded view over a Store (C3).
// It is created per goroutine/request via Store.BeginReadonly and must
// not be shared across goroutines — the Python source kept the
// equivalent on thread-local storage; here the caller holds the value
// explicitly and threads it through, per spec.md §9's design note.
//
// While a Snapshot is active, any attempt to mutate the store or
// acquire a lock through it fails with ErrForbiddenWhileCached. Event
// writes are the sole exception (spec.md §4.3).
type Snapshot struct {
	store  *Store
	ctx    context.Context
	loaded map[string]map[string][]byte // covering prefix -> (key -> value)
}

// BeginReadonly opens a new snapshot scope. Only one should be active
// per logical task; nesting is the caller's responsibility to avoid,
// same as the Python source forbidding a second cache.
func (s *Store) BeginReadonly(ctx context.Context) *Snapshot {
	return &Snapshot{
		store:  s,
		ctx:    ctx,
		loaded: make(map[string]map[string][]byte),
	}
}

// specialCasedPrefixes are covering prefixes that don't follow the
// "ends before a UUID segment" rule because they have no UUID segment
// at all: small, fully-enumerable tables worth caching whole.
var specialCasedPrefixes = []string{
	"/sf/namespace",
	"/sf/node",
	"/sf/metrics",
	"/sf/ipmanager",
	"/sf/attribute/namespace",
	"/sf/attribute/node",
	"/sf/attribute/metrics",
	"/sf/attribute/ipmanager",
}

// coveringPrefix determines the prefix to bulk-load for key, following
// the Python source's ThreadLocalReadOnlyCache._cache_key_for: special-
// cased tables load in full; anything else loads up to (but excluding)
// its trailing UUID segment, since unrelated objects of the same type
// would otherwise be in the same cached bucket.
func coveringPrefix(key string) string {
	for _, p := range specialCasedPrefixes {
		if strings.HasPrefix(key, p) {
			return p
		}
	}
	segs := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(segs) <= 1 {
		return key
	}
	// Drop the last segment (the UUID) and anything after it.
	uuidIdx := len(segs) - 1
	for i, seg := range segs {
		if looksLikeUUID(seg) {
			uuidIdx = i
			break
		}
	}
	return "/" + strings.Join(segs[:uuidIdx], "/") + "/"
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return false
			}
		}
	}
	return true
}

// Get reads key, bulk-loading its covering prefix into memory on first
// miss. Subsequent reads within that prefix are served without a store
// round-trip.
func (snap *Snapshot) Get(key string) ([]byte, error) {
	prefix := coveringPrefix(key)
	bucket, ok := snap.loaded[prefix]
	if !ok {
		pairs, err := snap.store.GetPrefix(snap.ctx, prefix, SortAscending, 0)
		if err != nil {
			return nil, err
		}
		bucket = make(map[string][]byte, len(pairs))
		for _, p := range pairs {
			bucket[p.Key] = p.Value
		}
		snap.loaded[prefix] = bucket
	}
	v, ok := bucket[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// GetPrefix serves a prefix scan entirely from the cache, loading it in
// full on first use.
func (snap *Snapshot) GetPrefix(prefix string) ([]Pair, error) {
	bucket, ok := snap.loaded[prefix]
	if !ok {
		pairs, err := snap.store.GetPrefix(snap.ctx, prefix, SortAscending, 0)
		if err != nil {
			return nil, err
		}
		bucket = make(map[string][]byte, len(pairs))
		for _, p := range pairs {
			bucket[p.Key] = p.Value
		}
		snap.loaded[prefix] = bucket
	}
	out := make([]Pair, 0, len(bucket))
	for k, v := range bucket {
		out = append(out, Pair{Key: k, Value: v})
	}
	return out, nil
}

// Forbidden is returned by any mutating operation attempted through a
// Snapshot-scoped handle, per spec.md §4.3.
func Forbidden(op string) error {
	return fmt.Errorf("%w: %s", errs.ErrForbiddenWhileCached, op)
}

// Put always fails: mutation is forbidden while a snapshot is active.
func (snap *Snapshot) Put(string, []byte) error { return Forbidden("put") }

// Create always fails: mutation is forbidden while a snapshot is active.
func (snap *Snapshot) Create(string, []byte) error { return Forbidden("create") }

// Delete always fails: mutation is forbidden while a snapshot is active.
func (snap *Snapshot) Delete(string) error { return Forbidden("delete") }
