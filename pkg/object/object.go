// Package object implements the generic persistence pattern (C5)
// shared by every declared object type: a versioned static payload
// under /sf/<type>/<uuid>, independently-lockable attribute sub-keys
// under /sf/attribute/<type>/<uuid>/<attr>, and a state field validated
// against a transition table owned by the type.
package object

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/lock"
)

// StateMachine declares the legal successor states for each state, and
// the version-upgrade hook, for one object type.
type StateMachine struct {
	// Targets maps a state to the set of states a write to `state` may
	// transition to from it. The empty-string key lists the legal initial
	// states (written when the object is created).
	Targets map[string][]string

	// CurrentVersion is the version new objects are created with.
	CurrentVersion int

	// Upgrade migrates a static payload from an older version to
	// CurrentVersion. It is a no-op if payload["version"] is already
	// current.
	Upgrade func(payload map[string]any)
}

func (sm StateMachine) legal(from, to string) bool {
	var key string
	if from != "" {
		key = from
	}
	targets, ok := sm.Targets[key]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// Base is embedded by every concrete object type (pkg/agentop.Operation
// and future types). It provides New/FromDB, state read/write with
// transition validation, and attribute locks.
type Base struct {
	store   *kv.Store
	objType string
	UUID    string
	sm      StateMachine
}

func staticKey(objType, uuid string) string {
	return fmt.Sprintf("/sf/%s/%s", objType, uuid)
}

func attrKey(objType, uuid, attr string) string {
	return fmt.Sprintf("/sf/attribute/%s/%s/%s", objType, uuid, attr)
}

// New creates the object's static payload under /sf/<type>/<uuid> if
// absent, or returns the existing one (idempotent create), matching
// spec.md §4.5's `new(uuid, static_payload)`.
func New(ctx context.Context, store *kv.Store, objType string, sm StateMachine, uuid string, payload map[string]any) (*Base, error) {
	existing, err := FromDB(ctx, store, objType, sm, uuid)
	if err == nil {
		return existing, nil
	}
	if err != errs.ErrNotFound {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["uuid"] = uuid
	payload["version"] = sm.CurrentVersion

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := store.Create(ctx, staticKey(objType, uuid), data); err != nil {
		return nil, err
	}

	b := &Base{store: store, objType: objType, UUID: uuid, sm: sm}
	if err := b.setState(ctx, "", "initial"); err != nil {
		return nil, err
	}
	return b, nil
}

// FromDB loads an existing object, running the type's upgrade hook if
// the stored version is older than current, and writing the upgraded
// payload back before returning a live handle.
func FromDB(ctx context.Context, store *kv.Store, objType string, sm StateMachine, uuid string) (*Base, error) {
	data, err := store.Get(ctx, staticKey(objType, uuid))
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	version, _ := payload["version"].(float64)
	if int(version) < sm.CurrentVersion && sm.Upgrade != nil {
		sm.Upgrade(payload)
		payload["version"] = sm.CurrentVersion
		upgraded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, staticKey(objType, uuid), upgraded); err != nil {
			return nil, err
		}
	}

	return &Base{store: store, objType: objType, UUID: uuid, sm: sm}, nil
}

// StaticPayload re-reads and returns the object's static fields.
func (b *Base) StaticPayload(ctx context.Context) (map[string]any, error) {
	data, err := b.store.Get(ctx, staticKey(b.objType, b.UUID))
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// State returns the current state, or "" if never set.
func (b *Base) State(ctx context.Context) (string, error) {
	data, err := b.store.Get(ctx, attrKey(b.objType, b.UUID, "state"))
	if err == errs.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return v.State, nil
}

// SetState validates the transition against the type's declared table
// and writes it, failing with ErrIllegalStateTransition otherwise.
func (b *Base) SetState(ctx context.Context, to string) error {
	from, err := b.State(ctx)
	if err != nil {
		return err
	}
	return b.setState(ctx, from, to)
}

func (b *Base) setState(ctx context.Context, from, to string) error {
	if !b.sm.legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrIllegalStateTransition, from, to)
	}
	data, err := json.Marshal(map[string]string{"state": to})
	if err != nil {
		return err
	}
	return b.store.Put(ctx, attrKey(b.objType, b.UUID, "state"), data)
}

// GetLockAttr acquires a lock keyed on this object's attr sub-key,
// matching spec.md §4.5's `get_lock_attr(attr, op)`.
func (b *Base) GetLockAttr(ctx context.Context, attr, op string, ttl, timeout time.Duration) (*lock.Handle, error) {
	return lock.Acquire(ctx, b.store, b.objType, attr, b.UUID, ttl, timeout, op)
}

// GetAttribute reads a JSON attribute sub-key into dest.
func (b *Base) GetAttribute(ctx context.Context, attr string, dest any) error {
	data, err := b.store.Get(ctx, attrKey(b.objType, b.UUID, attr))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetAttribute writes a JSON attribute sub-key.
func (b *Base) SetAttribute(ctx context.Context, attr string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, attrKey(b.objType, b.UUID, attr), data)
}
