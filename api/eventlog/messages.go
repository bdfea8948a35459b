// Package eventlog holds the generated-shaped wire types for
// event.proto and the plumbing to serve them over a real
// google.golang.org/grpc server without a protoc step (see
// codec.go).
package eventlog

// EventRequest is one event record submitted for durable append to
// the target object's event log, matching event.proto's EventRequest.
type EventRequest struct {
	ObjectType string  `json:"object_type"`
	ObjectUUID string  `json:"object_uuid"`
	EventType  string  `json:"event_type"`
	Timestamp  float64 `json:"timestamp"`
	FQDN       string  `json:"fqdn"`
	Duration   float64 `json:"duration"`
	Message    string  `json:"message"`
	// Extra is a JSON-encoded object, carried as a string so the
	// schema never has to change for a new extra field.
	Extra string `json:"extra,omitempty"`
}

// EventReply acknowledges an EventRequest.
type EventReply struct {
	Ack bool `json:"ack"`
}
