package kv

import "encoding/json"

// ObjDictable is implemented by task variants and declared-state
// objects that need custom expansion when written to the store,
// mirroring the Python source's JSONEncoderCustomTypes, which special-
// cases any value exposing obj_dict(). Most Go values just rely on
// ordinary struct tags; ObjDictable exists for the tagged-union task
// types in pkg/queue, whose on-the-wire shape is a flat object with a
// discriminating "task" field rather than a nested Go struct encoding.
type ObjDictable interface {
	ObjDict() (map[string]any, error)
}

// Encode marshals v using the canonical encoder: if v implements
// ObjDictable, its expanded map is encoded instead of v's default
// struct encoding.
func Encode(v any) ([]byte, error) {
	if od, ok := v.(ObjDictable); ok {
		m, err := od.ObjDict()
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	}
	return json.Marshal(v)
}
