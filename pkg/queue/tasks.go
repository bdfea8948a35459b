package queue

import (
	"encoding/json"
	"reflect"
)

// Task is a single queued unit of work. Concrete variants (e.g.
// FetchBlobTask) implement Task and are registered by name so the
// decoder can resolve `{"task": "fetch_blob", ...}` to a concrete Go
// type; unknown task names round-trip as RawTask without loss, per
// spec.md §9's "tagged union with a registry keyed by name; unknown
// tags preserve the raw object".
type Task interface {
	TaskName() string
}

// RawTask is the fallback for unrecognized task names: the decoded
// object is preserved verbatim so it can be re-enqueued or inspected.
type RawTask struct {
	Name string
	Raw  json.RawMessage
}

func (t RawTask) TaskName() string { return t.Name }

// FetchBlobTask requests a node fetch blob BlobUUID, optionally
// assigned to a specific node. This is the one task variant spec.md
// names explicitly (§4.4's blob-transfer introspection).
type FetchBlobTask struct {
	BlobUUID string `json:"blob_uuid"`
	Node     string `json:"node,omitempty"`
}

func (FetchBlobTask) TaskName() string { return "fetch_blob" }

// registry maps a task's wire name to a constructor producing a
// pointer the decoder can unmarshal into.
var registry = map[string]func() Task{
	"fetch_blob": func() Task { return &FetchBlobTask{} },
}

// RegisterTask adds (or overrides) a task kind in the decoder's
// registry. Call from an init() in the package defining the task type.
func RegisterTask(name string, ctor func() Task) {
	registry[name] = ctor
}

type taskEnvelope struct {
	TaskName string `json:"task"`
}

func decodeTask(raw json.RawMessage) (Task, error) {
	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	ctor, ok := registry[env.TaskName]
	if !ok {
		return RawTask{Name: env.TaskName, Raw: raw}, nil
	}
	t := ctor()
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, err
	}
	return derefIfPointer(t), nil
}

// derefIfPointer returns the pointed-to value for task types registered
// by pointer constructor, so callers doing a type switch match the
// value type (e.g. FetchBlobTask) rather than its pointer.
func derefIfPointer(t Task) Task {
	v := reflect.ValueOf(t)
	if v.Kind() != reflect.Ptr {
		return t
	}
	elem := v.Elem().Interface()
	if deref, ok := elem.(Task); ok {
		return deref
	}
	return t
}

// Workitem is the shape stored at a queue/processing key: an ordered
// list of tasks, per spec.md §3's "Queue workitem".
type Workitem struct {
	Tasks []Task
}

func (w Workitem) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		var m map[string]any
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		if raw, ok := t.(RawTask); ok {
			raws = append(raws, raw.Raw)
			continue
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		m["task"] = t.TaskName()
		b, err = json.Marshal(m)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(struct {
		Tasks []json.RawMessage `json:"tasks"`
	}{Tasks: raws})
}

func (w *Workitem) UnmarshalJSON(data []byte) error {
	var env struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	w.Tasks = make([]Task, 0, len(env.Tasks))
	for _, raw := range env.Tasks {
		t, err := decodeTask(raw)
		if err != nil {
			return err
		}
		w.Tasks = append(w.Tasks, t)
	}
	return nil
}
