package sidechannel

import (
	"context"

	"github.com/fleetkit/controlplane/pkg/agentop"
	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/queue"
)

// agentOpTask queues one AgentOperation UUID for dispatch to its
// instance's side-channel monitor.
type agentOpTask struct {
	OperationUUID string `json:"operation_uuid"`
}

func (agentOpTask) TaskName() string { return "agent_operation" }

func init() {
	queue.RegisterTask("agent_operation", func() queue.Task { return &agentOpTask{} })
}

// AgentOpQueue dequeues the next AgentOperation destined for one
// instance's monitor, matching spec.md §4.8's
// `instance.agent_operation_dequeue()`.
type AgentOpQueue struct {
	store *kv.Store
	q     *queue.Runtime
}

func NewAgentOpQueue(store *kv.Store) *AgentOpQueue {
	return &AgentOpQueue{store: store, q: queue.New(store)}
}

// Enqueue schedules operationUUID for dispatch to instanceUUID's monitor.
func (a *AgentOpQueue) Enqueue(ctx context.Context, instanceUUID, operationUUID string) error {
	return a.q.Enqueue(ctx, instanceUUID, queue.Workitem{
		Tasks: []queue.Task{agentOpTask{OperationUUID: operationUUID}},
	}, 0)
}

// Dequeue pulls the next operation queued for instanceUUID, or nil if
// none is ready yet.
func (a *AgentOpQueue) Dequeue(ctx context.Context, instanceUUID string) (*agentop.Operation, error) {
	jobname, w, err := a.q.Dequeue(ctx, instanceUUID)
	if err != nil || jobname == "" {
		return nil, err
	}
	defer a.q.Resolve(ctx, instanceUUID, jobname)

	for _, t := range w.Tasks {
		if task, ok := t.(agentOpTask); ok {
			return agentop.FromDB(ctx, a.store, task.OperationUUID)
		}
	}
	return nil, nil
}
