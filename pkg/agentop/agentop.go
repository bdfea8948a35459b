// Package agentop implements the agent-operation model (C6): a
// queued set of commands dispatched to a guest agent over a
// side-channel, tracked through its own small state machine and
// accumulating per-command results under a locked attribute.
package agentop

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/object"
)

const (
	StateInitial   = "initial"
	StatePreflight = "preflight"
	StateQueued    = "queued"
	StateExecuting = "executing"
	StateComplete  = "complete"
	StateError     = "error"
	StateDeleted   = "deleted"
)

// ActiveStates mirrors the Python source's ACTIVE_STATES: an operation
// in one of these states still has work outstanding or results worth
// keeping around.
var ActiveStates = map[string]bool{
	StateInitial:   true,
	StateQueued:    true,
	StateExecuting: true,
	StateComplete:  true,
}

var stateMachine = object.StateMachine{
	CurrentVersion: 1,
	Targets: map[string][]string{
		"":             {StateInitial, StateError},
		StateInitial:   {StatePreflight, StateQueued, StateDeleted, StateError},
		StatePreflight: {StateQueued, StateDeleted, StateError},
		StateQueued:    {StateExecuting, StateDeleted, StateError},
		StateExecuting: {StateComplete, StateDeleted, StateError},
		StateComplete:  {StateDeleted},
		StateError:     {StateDeleted},
	},
}

// Operation is a single agent operation: an ordered list of commands
// dispatched to one instance's guest agent, plus the results those
// commands produced as they complete.
type Operation struct {
	*object.Base

	Namespace    string
	InstanceUUID string
	Commands     []map[string]any
}

// New creates operationUUID if absent, or returns the existing one
// (idempotent create), matching the Python source's AgentOperation.new.
func New(ctx context.Context, store *kv.Store, operationUUID, namespace, instanceUUID string, commands []map[string]any) (*Operation, error) {
	payload := map[string]any{
		"namespace":     namespace,
		"instance_uuid": instanceUUID,
		"commands":      commands,
	}
	if _, err := object.New(ctx, store, "agentoperation", stateMachine, operationUUID, payload); err != nil {
		return nil, err
	}
	return FromDB(ctx, store, operationUUID)
}

// FromDB loads an existing agent operation.
func FromDB(ctx context.Context, store *kv.Store, operationUUID string) (*Operation, error) {
	base, err := object.FromDB(ctx, store, "agentoperation", stateMachine, operationUUID)
	if err != nil {
		return nil, err
	}

	payload, err := base.StaticPayload(ctx)
	if err != nil {
		return nil, err
	}

	op := &Operation{Base: base}
	op.Namespace, _ = payload["namespace"].(string)
	op.InstanceUUID, _ = payload["instance_uuid"].(string)
	if raw, ok := payload["commands"].([]any); ok {
		for _, c := range raw {
			if m, ok := c.(map[string]any); ok {
				op.Commands = append(op.Commands, m)
			}
		}
	}
	return op, nil
}

type resultsAttr struct {
	Results map[string]any `json:"results"`
}

// Results returns the command results recorded so far, keyed by
// command index as a string.
func (o *Operation) Results(ctx context.Context) (map[string]any, error) {
	var attr resultsAttr
	if err := o.GetAttribute(ctx, "results", &attr); err != nil {
		return map[string]any{}, nil
	}
	if attr.Results == nil {
		return map[string]any{}, nil
	}
	return attr.Results, nil
}

// AddResult records the result of command index under a lock on the
// results attribute, so concurrent command completions from the
// side-channel never clobber one another.
func (o *Operation) AddResult(ctx context.Context, index int, value any) error {
	h, err := o.GetLockAttr(ctx, "results", "add result", 10*time.Second, 10*time.Second)
	if err != nil {
		return err
	}
	defer h.Release(ctx)

	results, err := o.Results(ctx)
	if err != nil {
		return err
	}
	results[fmt.Sprintf("%d", index)] = value
	return o.SetAttribute(ctx, "results", resultsAttr{Results: results})
}

// Delete transitions the operation to the terminal deleted state.
func (o *Operation) Delete(ctx context.Context) error {
	return o.SetState(ctx, StateDeleted)
}

// ExternalView returns the user-facing representation: static fields
// plus the results accumulated so far.
func (o *Operation) ExternalView(ctx context.Context) (map[string]any, error) {
	payload, err := o.StaticPayload(ctx)
	if err != nil {
		return nil, err
	}
	state, err := o.State(ctx)
	if err != nil {
		return nil, err
	}
	results, err := o.Results(ctx)
	if err != nil {
		return nil, err
	}

	payload["state"] = state
	payload["namespace"] = o.Namespace
	payload["instance_uuid"] = o.InstanceUUID
	payload["commands"] = o.Commands
	payload["results"] = results
	return payload, nil
}
