package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetkit/controlplane/pkg/agentop"
	"github.com/fleetkit/controlplane/pkg/eventlog"
	"github.com/fleetkit/controlplane/pkg/kv"
)

// instanceAgentState is the small, state-machine-free attribute bundle
// a side channel writes for its instance; unlike agentop.Operation this
// has no transition table, so it's stored directly through the KV
// store rather than through pkg/object.
type instanceAgentState struct {
	State          string         `json:"state"`
	Facts          map[string]any `json:"facts,omitempty"`
	StartTime      float64        `json:"start_time,omitempty"`
	SystemBootTime float64        `json:"system_boot_time,omitempty"`
}

func agentStateKey(instanceUUID string) string {
	return fmt.Sprintf("/sf/agentstate/%s", instanceUUID)
}

// InstanceHooks implements Hooks against the real agent-operation queue
// (pkg/sidechannel.AgentOpQueue, itself built on pkg/agentop + pkg/queue),
// the event log (pkg/eventlog), and the blob storage layout from
// spec.md §6 ("<STORAGE_PATH>/blobs/<uuid>").
type InstanceHooks struct {
	store        *kv.Store
	instanceUUID string
	storagePath  string
	opQueue      *AgentOpQueue
}

func NewInstanceHooks(store *kv.Store, instanceUUID, storagePath string) *InstanceHooks {
	return &InstanceHooks{
		store:        store,
		instanceUUID: instanceUUID,
		storagePath:  storagePath,
		opQueue:      NewAgentOpQueue(store),
	}
}

func (h *InstanceHooks) mutate(ctx context.Context, fn func(*instanceAgentState)) error {
	var state instanceAgentState
	if data, err := h.store.Get(ctx, agentStateKey(h.instanceUUID)); err == nil && data != nil {
		_ = json.Unmarshal(data, &state)
	}
	fn(&state)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return h.store.Put(ctx, agentStateKey(h.instanceUUID), data)
}

func (h *InstanceHooks) AddEvent(ctx context.Context, eventType, message string, extra map[string]any) {
	db, err := eventlog.Open(h.storagePath, "instance", h.instanceUUID)
	if err != nil {
		return
	}
	defer db.Close()
	_ = db.WriteEvent(eventType, float64(time.Now().UnixNano())/1e9, "", 0, message, extra)
}

func (h *InstanceHooks) SetAgentState(ctx context.Context, state string) {
	_ = h.mutate(ctx, func(s *instanceAgentState) {
		s.State = state
		if state == AgentStarted {
			s.StartTime = float64(time.Now().UnixNano()) / 1e9
		}
	})
}

func (h *InstanceHooks) SetAgentFacts(ctx context.Context, facts map[string]any) {
	_ = h.mutate(ctx, func(s *instanceAgentState) { s.Facts = facts })
}

func (h *InstanceHooks) DequeueAgentOperation(ctx context.Context) (*AgentOperationView, error) {
	op, err := h.opQueue.Dequeue(ctx, h.instanceUUID)
	if err != nil || op == nil {
		return nil, err
	}
	return &AgentOperationView{UUID: op.UUID, Commands: op.Commands}, nil
}

func (h *InstanceHooks) StartOperation(ctx context.Context, operationUUID string) {
	op, err := agentop.FromDB(ctx, h.store, operationUUID)
	if err != nil || op == nil {
		return
	}
	_ = op.SetState(ctx, agentop.StateExecuting)
}

func (h *InstanceHooks) SetOperationError(ctx context.Context, operationUUID, message string) {
	op, err := agentop.FromDB(ctx, h.store, operationUUID)
	if err != nil || op == nil {
		return
	}
	_ = op.SetAttribute(ctx, "error", map[string]string{"error": message})
}

func (h *InstanceHooks) CompleteOperation(ctx context.Context, operationUUID string) {
	op, err := agentop.FromDB(ctx, h.store, operationUUID)
	if err != nil || op == nil {
		return
	}
	_ = op.SetState(ctx, agentop.StateComplete)
}

func (h *InstanceHooks) BlobPath(ctx context.Context, blobUUID string) (string, error) {
	path := filepath.Join(h.storagePath, "blobs", blobUUID)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}
