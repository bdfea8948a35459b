package eventlog

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	apieventlog "github.com/fleetkit/controlplane/api/eventlog"
	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

const legacyEventPrefix = "/sf/event/"

// pruneTarget is one (object_type, object_uuid) pair discovered from a
// `.lock` marker file during the once-a-day sweep.
type pruneTarget struct {
	objType string
	objUUID string
}

// Monitor runs the event-log daemon: a gRPC RecordEvent server plus a
// background loop that drains the legacy KV event prefix and prunes
// aged-out events, matching original_source/shakenfist/daemons/eventlog.py's
// Monitor.run.
type Monitor struct {
	store       *kv.Store
	storagePath string
	maxAge      map[string]time.Duration

	logger   zerolog.Logger
	counters map[string]prometheus.Counter
	pruned   prometheus.Counter
	swept    prometheus.Counter

	grpcServer *grpc.Server

	stopCh chan struct{}
	doneCh chan struct{}

	pruneTargets        []pruneTarget
	pruneSweepStartedAt time.Time
}

// Config carries the EVENTLOG_* settings a Monitor needs.
type Config struct {
	NodeIP        string
	APIPort       int
	MetricsPort   int
	StoragePath   string
	MaxEventAge   map[string]time.Duration // per EventTypes entry; absent/negative means never prune
}

func NewMonitor(store *kv.Store, cfg Config) *Monitor {
	counters := make(map[string]prometheus.Counter, len(EventTypes))
	for _, et := range EventTypes {
		counters[et] = prometheus.NewCounter(prometheus.CounterOpts{
			Name: et + "_events",
			Help: "Number of " + et + " events seen",
		})
		prometheus.MustRegister(counters[et])
	}
	pruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pruned_events",
		Help: "Number of pruned events",
	})
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pruned_sweep",
		Help: "Number of databases checked for pruning",
	})
	prometheus.MustRegister(pruned, swept)

	return &Monitor{
		store:       store,
		storagePath: cfg.StoragePath,
		maxAge:      cfg.MaxEventAge,
		logger:      log.WithComponent("eventlog"),
		counters:    counters,
		pruned:      pruned,
		swept:       swept,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run starts the RecordEvent gRPC server and metrics endpoint, forces
// every known node's event database open once (so any one-time
// upgrade happens at a predictable time), then loops draining the
// legacy KV prefix and pruning until Stop is called.
func (m *Monitor) Run(ctx context.Context, nodeIDs []string, listenAddr string, metricsAddr string) error {
	for _, n := range nodeIDs {
		db, err := Open(m.storagePath, "node", n)
		if err != nil {
			m.logger.Warn().Err(err).Str("node_id", n).Msg("failed to open node event log at startup")
			continue
		}
		db.Close()
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	// At most 10 RPC handlers run at once; further calls wait for a slot.
	sem := make(chan struct{}, 10)
	bound := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-sem }()
		return handler(ctx, req)
	}
	m.grpcServer = grpc.NewServer(grpc.ForceServerCodec(apieventlog.Codec), grpc.UnaryInterceptor(bound))
	apieventlog.RegisterEventServiceServer(m.grpcServer, NewService(m.storagePath, m.counters))
	go func() {
		if err := m.grpcServer.Serve(lis); err != nil {
			m.logger.Warn().Err(err).Msg("event gRPC server stopped")
		}
	}()

	go func() {
		mux := promhttp.Handler()
		_ = (&http.Server{Addr: metricsAddr, Handler: mux}).ListenAndServe()
	}()

	go m.run(ctx)
	return nil
}

// Stop signals the background loop to exit and blocks until it has,
// then stops the gRPC server.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	if m.grpcServer != nil {
		m.grpcServer.GracefulStop()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Info().Msg("starting")

	for {
		select {
		case <-m.stopCh:
			m.logger.Info().Msg("terminated")
			return
		default:
		}

		didWork := m.drainLegacyEvents(ctx)
		if !didWork {
			didWork = m.pruneStep(ctx)
		}
		if !didWork {
			select {
			case <-time.After(10 * time.Second):
			case <-m.stopCh:
				m.logger.Info().Msg("terminated")
				return
			}
		}
	}
}

// drainLegacyEvents moves up to 10,000 entries from the legacy
// /sf/event/ KV prefix into local per-object databases, grouping by
// object so each database is opened once.
func (m *Monitor) drainLegacyEvents(ctx context.Context) bool {
	pairs, err := m.store.GetPrefix(ctx, legacyEventPrefix, kv.SortAscending, 10000)
	if err != nil {
		log.Recover("eventlog", "drain legacy events", err)
		return false
	}
	if len(pairs) == 0 {
		return false
	}

	type legacyEvent struct {
		key     string
		objType string
		objUUID string
		value   map[string]any
	}
	grouped := map[[2]string][]legacyEvent{}
	for _, p := range pairs {
		parts := strings.Split(strings.TrimPrefix(p.Key, "/"), "/")
		// /sf/event/<objtype>/<objuuid>/<entry>
		if len(parts) < 5 {
			m.logger.Warn().Str("key", p.Key).Msg("failed to parse event key")
			continue
		}
		objType, objUUID := parts[2], parts[3]

		var v map[string]any
		if err := json.Unmarshal(p.Value, &v); err != nil {
			m.logger.Warn().Err(err).Str("key", p.Key).Msg("failed to parse legacy event value")
			continue
		}
		k := [2]string{objType, objUUID}
		grouped[k] = append(grouped[k], legacyEvent{key: p.Key, objType: objType, objUUID: objUUID, value: v})
	}

	for k, events := range grouped {
		db, err := Open(m.storagePath, k[0], k[1])
		if err != nil {
			m.logger.Warn().Err(err).Str("object_uuid", k[1]).Msg("failed to write legacy event")
			continue
		}

		for _, e := range events {
			eventType, _ := e.value["event_type"].(string)
			if eventType == "" {
				eventType = HistoricEventType
			}
			timestamp, _ := e.value["timestamp"].(float64)
			fqdn, _ := e.value["fqdn"].(string)
			duration, _ := e.value["duration"].(float64)
			message, _ := e.value["message"].(string)
			extra, _ := e.value["extra"].(map[string]any)

			if err := db.WriteEvent(eventType, timestamp, fqdn, duration, message, extra); err != nil {
				m.logger.Warn().Err(err).Str("key", e.key).Msg("failed to write drained event")
				continue
			}
			if c, ok := m.counters[eventType]; ok {
				c.Inc()
			}
			if err := m.store.Delete(ctx, e.key); err != nil {
				m.logger.Warn().Err(err).Str("key", e.key).Msg("failed to delete drained event key")
			}
		}
		db.Close()
	}

	return true
}

// pruneStep advances the once-a-day prune sweep: either (re)building
// the target list from `.lock` marker files, or spending up to 10s
// pruning targets already queued.
func (m *Monitor) pruneStep(ctx context.Context) bool {
	if len(m.pruneTargets) == 0 {
		if time.Since(m.pruneSweepStartedAt) <= 24*time.Hour {
			return false
		}
		m.pruneTargets = m.scanPruneTargets()
		m.pruneSweepStartedAt = time.Now()
		return false
	}

	start := time.Now()
	didWork := false
	for time.Since(start) < 10*time.Second && len(m.pruneTargets) > 0 {
		target := m.pruneTargets[len(m.pruneTargets)-1]
		m.pruneTargets = m.pruneTargets[:len(m.pruneTargets)-1]

		db, err := Open(m.storagePath, target.objType, target.objUUID)
		if err != nil {
			m.logger.Warn().Err(err).Str("object_uuid", target.objUUID).Msg("failed to open db for pruning")
			continue
		}

		count := 0
		now := time.Now()
		for _, et := range EventTypes {
			maxAge, ok := m.maxAge[et]
			if !ok || maxAge < 0 {
				continue
			}
			threshold := float64(now.Add(-maxAge).Unix())
			c, err := db.PruneOldEvents(threshold, et)
			if err != nil {
				m.logger.Warn().Err(err).Str("object_uuid", target.objUUID).Str("event_type", et).Msg("prune failed")
				continue
			}
			m.pruned.Add(float64(c))
			count += c
		}
		db.Close()

		if count > 0 {
			m.logger.Info().Str(target.objType, target.objUUID).Int("pruned", count).Msg("pruned events")
		}
		m.swept.Inc()
		didWork = true
	}
	return didWork
}

// scanPruneTargets walks <STORAGE_PATH>/events for `.lock` marker
// files to build the next sweep's prune-target list without opening
// every object's database up front.
func (m *Monitor) scanPruneTargets() []pruneTarget {
	eventsRoot := filepath.Join(m.storagePath, "events")
	var targets []pruneTarget

	_ = filepath.WalkDir(eventsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != ".lock" {
			return nil
		}
		rel, relErr := filepath.Rel(eventsRoot, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 2 {
			return nil
		}
		objUUID := parts[len(parts)-1]
		objType := strings.Join(parts[:len(parts)-1], "/")
		targets = append(targets, pruneTarget{objType: objType, objUUID: objUUID})
		return nil
	})
	return targets
}
