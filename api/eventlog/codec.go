package eventlog

import "encoding/json"

// jsonCodec carries EventRequest/EventReply as JSON instead of the
// protobuf wire format, so EventService can run on a real
// google.golang.org/grpc server and client without invoking protoc.
// It is selected explicitly per-server (grpc.ForceServerCodec) and
// per-call (grpc.ForceCodec) and never touches the default "proto"
// codec other services on the same process use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "eventlog-json" }

// Codec is the shared codec instance for servers and clients of this
// service.
var Codec = jsonCodec{}
