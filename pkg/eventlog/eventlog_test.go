package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	apieventlog "github.com/fleetkit/controlplane/api/eventlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounters() map[string]prometheus.Counter {
	counters := make(map[string]prometheus.Counter, len(EventTypes))
	for _, et := range EventTypes {
		counters[et] = prometheus.NewCounter(prometheus.CounterOpts{Name: "test_" + et})
	}
	return counters
}

func TestRecordEventWritesAndAcks(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newTestCounters())

	reply, err := svc.RecordEvent(context.Background(), &apieventlog.EventRequest{
		ObjectType: "instance",
		ObjectUUID: "inst1",
		EventType:  "audit",
		Timestamp:  float64(time.Now().Unix()),
		Message:    "created",
		Extra:      `{"foo":"bar"}`,
	})
	require.NoError(t, err)
	assert.True(t, reply.Ack)
}

func TestRecordEventBadExtraNacks(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, newTestCounters())

	reply, err := svc.RecordEvent(context.Background(), &apieventlog.EventRequest{
		ObjectType: "instance",
		ObjectUUID: "inst1",
		EventType:  "audit",
		Extra:      "{not json",
	})
	require.NoError(t, err)
	assert.False(t, reply.Ack)
}

func TestWriteAndPruneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "instance", "inst1")
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dir + "/events/instance/inst1/.lock")
	require.NoError(t, err)

	now := float64(time.Now().Unix())
	require.NoError(t, db.WriteEvent("audit", now-100, "host1", 0, "old event", nil))
	require.NoError(t, db.WriteEvent("audit", now, "host1", 0, "new event", nil))

	count, err := db.PruneOldEvents(now-50, "audit")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = db.PruneOldEvents(now+50, "audit")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWriteUnknownEventTypeFallsBackToHistoric(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "instance", "inst2")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.WriteEvent("not-a-real-type", 1.0, "host1", 0, "msg", nil))

	count, err := db.PruneOldEvents(2.0, HistoricEventType)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db1, err := Open(dir, "instance", "inst3")
	require.NoError(t, err)
	require.NoError(t, db1.WriteEvent("audit", 1.0, "host1", 0, "msg", nil))
	require.NoError(t, db1.Close())

	db2, err := Open(dir, "instance", "inst3")
	require.NoError(t, err)
	defer db2.Close()

	count, err := db2.PruneOldEvents(2.0, "audit")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
