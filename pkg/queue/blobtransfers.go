package queue

import (
	"context"
	"encoding/json"

	"github.com/fleetkit/controlplane/pkg/kv"
)

// GetCurrentBlobTransfers walks every queue and processing workitem
// across the cluster, collects FetchBlobTask entries, groups them by
// blob UUID, and excludes tasks assigned to a node present in
// absentNodes. Used by blob-replication logic to avoid redundant
// fetches, per spec.md §4.4.
func (r *Runtime) GetCurrentBlobTransfers(ctx context.Context, absentNodes map[string]bool) (map[string][]FetchBlobTask, error) {
	out := make(map[string][]FetchBlobTask)

	for _, prefix := range []string{"/sf/queue/", "/sf/processing/"} {
		pairs, err := r.store.GetPrefix(ctx, prefix, kv.SortAscending, 0)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			var w Workitem
			if err := json.Unmarshal(p.Value, &w); err != nil {
				// Lenient per-key decode: a corrupt record is skipped
				// rather than failing the whole scan.
				continue
			}
			for _, t := range w.Tasks {
				fb, ok := t.(FetchBlobTask)
				if !ok {
					continue
				}
				if fb.Node != "" && absentNodes[fb.Node] {
					continue
				}
				out[fb.BlobUUID] = append(out[fb.BlobUUID], fb)
			}
		}
	}
	return out, nil
}
