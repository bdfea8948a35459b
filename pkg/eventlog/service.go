package eventlog

import (
	"context"
	"encoding/json"

	apieventlog "github.com/fleetkit/controlplane/api/eventlog"
	"github.com/fleetkit/controlplane/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Service implements apieventlog.EventServiceServer, opening (or
// reusing) the target object's on-disk log for each RecordEvent call.
type Service struct {
	apieventlog.UnimplementedEventServiceServer

	storagePath string
	counters    map[string]prometheus.Counter
	openDB      func(objType, objUUID string) (*DB, error)
}

// NewService constructs the RecordEvent handler. counters must already
// carry one entry per EventTypes member, keyed by event type name.
func NewService(storagePath string, counters map[string]prometheus.Counter) *Service {
	return &Service{
		storagePath: storagePath,
		counters:    counters,
		openDB: func(objType, objUUID string) (*DB, error) {
			return Open(storagePath, objType, objUUID)
		},
	}
}

// RecordEvent appends one event to the target object's log, returning
// ack=false (never an error) on any write failure, matching spec.md
// §4.7's "the caller is authoritative" ack contract.
func (s *Service) RecordEvent(ctx context.Context, req *apieventlog.EventRequest) (*apieventlog.EventReply, error) {
	logger := log.WithComponent("eventlog")

	extra := map[string]any{}
	if req.Extra != "" {
		if err := json.Unmarshal([]byte(req.Extra), &extra); err != nil {
			logger.Warn().Err(err).Str("object_uuid", req.ObjectUUID).Msg("failed to parse event extra")
			return &apieventlog.EventReply{Ack: false}, nil
		}
	}

	db, err := s.openDB(req.ObjectType, req.ObjectUUID)
	if err != nil {
		logger.Warn().Err(err).Str("object_uuid", req.ObjectUUID).Msg("failed to open event log")
		return &apieventlog.EventReply{Ack: false}, nil
	}
	defer db.Close()

	if err := db.WriteEvent(req.EventType, req.Timestamp, req.FQDN, req.Duration, req.Message, extra); err != nil {
		logger.Warn().Err(err).Str("object_uuid", req.ObjectUUID).Msg("failed to write event")
		return &apieventlog.EventReply{Ack: false}, nil
	}

	if c, ok := s.counters[req.EventType]; ok {
		c.Inc()
	}

	return &apieventlog.EventReply{Ack: true}, nil
}
