package sidechannel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType string
	message   string
	extra     map[string]any
}

// fakeHooks is an in-memory Hooks implementation so Channel's protocol
// state machine can be exercised without the KV store or event log.
type fakeHooks struct {
	events         []recordedEvent
	agentStates    []string
	facts          map[string]any
	pendingOp      *AgentOperationView
	startedOps     []string
	errors         map[string]string
	completed      []string
	blobPaths      map[string]string
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{errors: map[string]string{}, blobPaths: map[string]string{}}
}

func (f *fakeHooks) AddEvent(ctx context.Context, eventType, message string, extra map[string]any) {
	f.events = append(f.events, recordedEvent{eventType, message, extra})
}

func (f *fakeHooks) SetAgentState(ctx context.Context, state string) {
	f.agentStates = append(f.agentStates, state)
}

func (f *fakeHooks) SetAgentFacts(ctx context.Context, facts map[string]any) {
	f.facts = facts
}

func (f *fakeHooks) DequeueAgentOperation(ctx context.Context) (*AgentOperationView, error) {
	op := f.pendingOp
	f.pendingOp = nil
	return op, nil
}

func (f *fakeHooks) StartOperation(ctx context.Context, operationUUID string) {
	f.startedOps = append(f.startedOps, operationUUID)
}

func (f *fakeHooks) SetOperationError(ctx context.Context, operationUUID, message string) {
	f.errors[operationUUID] = message
}

func (f *fakeHooks) CompleteOperation(ctx context.Context, operationUUID string) {
	f.completed = append(f.completed, operationUUID)
}

func (f *fakeHooks) BlobPath(ctx context.Context, blobUUID string) (string, error) {
	return f.blobPaths[blobUUID], nil
}

// newTestChannel wires a Channel to one end of a net.Pipe so test code
// can write framed packets into the other end.
func newTestChannel(t *testing.T) (*Channel, net.Conn, *fakeHooks) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	hooks := newFakeHooks()
	ch := NewChannel("eth0", "instance-1", serverConn, hooks, zerolog.Nop())
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
	return ch, clientConn, hooks
}

func writePacket(t *testing.T, conn net.Conn, pkt Packet) {
	t.Helper()
	body, err := json.Marshal(pkt)
	require.NoError(t, err)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	_, err = conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func readPacket(t *testing.T, conn net.Conn) Packet {
	t.Helper()
	header := make([]byte, 4)
	_, err := conn.Read(header)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	_, err = conn.Read(body)
	require.NoError(t, err)
	var pkt Packet
	require.NoError(t, json.Unmarshal(body, &pkt))
	return pkt
}

func TestAgentStartThenIsSystemRunningReachesReady(t *testing.T) {
	ch, client, hooks := newTestChannel(t)
	ctx := context.Background()

	ch.Dispatch(ctx, Packet{"command": "agent-start", "system_boot_time": float64(100)})
	assert.Equal(t, AgentStarted, ch.instanceReady)
	assert.Contains(t, hooks.agentStates, AgentStarted)

	// Entering AgentReady sends gather-facts over the unbuffered pipe, so
	// the other end must be read for Dispatch to return.
	done := make(chan Packet, 1)
	go func() { done <- readPacket(t, client) }()

	ch.Dispatch(ctx, Packet{"command": "is-system-running-response", "result": true})
	assert.Equal(t, AgentReady, ch.instanceReady)
	assert.Contains(t, hooks.agentStates, AgentReady)

	select {
	case pkt := <-done:
		assert.Equal(t, "gather-facts", pkt["command"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gather-facts packet")
	}
}

func TestIsSystemRunningResponseDegraded(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	ch.Dispatch(ctx, Packet{"command": "is-system-running-response", "result": false, "message": "degraded"})
	assert.Equal(t, AgentDegraded, ch.instanceReady)
}

func TestIsSystemRunningResponseNotReadyMessage(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	ch.Dispatch(ctx, Packet{"command": "is-system-running-response", "result": false, "message": "booting"})
	assert.Equal(t, "not ready (booting)", ch.instanceReady)
}

func TestAgentStopHasOwnHandlerNotAgentStart(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx := context.Background()

	ch.Dispatch(ctx, Packet{"command": "agent-stop"})
	assert.Equal(t, AgentStopped, ch.instanceReady)
	assert.NotEqual(t, AgentStarted, ch.instanceReady)
}

func TestRebootDetectedOnBootTimeChange(t *testing.T) {
	ch, _, hooks := newTestChannel(t)
	ctx := context.Background()

	ch.Dispatch(ctx, Packet{"command": "agent-start", "system_boot_time": float64(100)})
	ch.Dispatch(ctx, Packet{"command": "agent-start", "system_boot_time": float64(200)})

	var sawReboot bool
	for _, e := range hooks.events {
		if e.message == "reboot detected" {
			sawReboot = true
		}
	}
	assert.True(t, sawReboot)
}

func TestUnknownAgentOperationCommandStillCompletes(t *testing.T) {
	ch, _, hooks := newTestChannel(t)
	ctx := context.Background()

	ch.instanceReady = AgentReady
	ch.lastData = time.Now().Add(-6 * time.Second)
	hooks.pendingOp = &AgentOperationView{
		UUID: "op-1",
		Commands: []map[string]any{
			{"command": "frobnicate"},
		},
	}

	require.NoError(t, ch.dispatchNextAgentOperation(ctx))

	assert.Contains(t, hooks.startedOps, "op-1")
	assert.Contains(t, hooks.completed, "op-1")
	var sawUnknown bool
	for _, e := range hooks.events {
		if e.message == "Unknown agent operation command, aborting operation" {
			sawUnknown = true
		}
	}
	assert.True(t, sawUnknown)
}

func TestPutBlobMissingSetsErrorAttributeButStillCompletes(t *testing.T) {
	ch, _, hooks := newTestChannel(t)
	ctx := context.Background()

	hooks.pendingOp = &AgentOperationView{
		UUID: "op-2",
		Commands: []map[string]any{
			{"command": "put-blob", "blob_uuid": "missing-blob", "path": "/etc/motd"},
		},
	}

	require.NoError(t, ch.dispatchNextAgentOperation(ctx))

	assert.Equal(t, "blob missing: missing-blob", hooks.errors["op-2"])
	assert.Contains(t, hooks.completed, "op-2")
}

func TestPollDispatchesAgentOperationAfterFiveSecondsIdle(t *testing.T) {
	ch, _, hooks := newTestChannel(t)
	ctx := context.Background()

	ch.instanceReady = AgentReady
	ch.lastData = time.Now().Add(-6 * time.Second)
	ch.pollSystemRunning = false
	hooks.pendingOp = &AgentOperationView{UUID: "op-3", Commands: nil}

	require.NoError(t, ch.Poll(ctx))
	assert.Contains(t, hooks.completed, "op-3")
}

func TestPollFifteenSecondBranchUnreachableBehindFiveSecondBranch(t *testing.T) {
	// Reproduces the preserved if/elif structure: once idle exceeds 5s,
	// the >15s branch never evaluates even when idle time is past 15s,
	// so the channel is never marked StoppedTalking or closed by Poll
	// while instance_ready == AGENT_READY.
	ch, _, hooks := newTestChannel(t)
	ctx := context.Background()

	ch.instanceReady = AgentReady
	ch.lastData = time.Now().Add(-20 * time.Second)
	ch.pollSystemRunning = false

	err := ch.Poll(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, StoppedTalking, ch.instanceReady)
	assert.NotContains(t, hooks.agentStates, StoppedTalking)
}

func TestPollSendsIsSystemRunningWhenEnabled(t *testing.T) {
	ch, client, _ := newTestChannel(t)
	ctx := context.Background()

	done := make(chan Packet, 1)
	go func() { done <- readPacket(t, client) }()

	require.NoError(t, ch.Poll(ctx))

	select {
	case pkt := <-done:
		assert.Equal(t, "is-system-running", pkt["command"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for is-system-running packet")
	}
}

func TestReadLoopFramesAndDispatchesPackets(t *testing.T) {
	ch, client, hooks := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := make(chan string, 1)
	go ch.ReadLoop(ctx, closed)

	writePacket(t, client, Packet{"command": "agent-start", "system_boot_time": float64(1)})

	require.Eventually(t, func() bool {
		return len(hooks.agentStates) > 0 && hooks.agentStates[len(hooks.agentStates)-1] == AgentStarted
	}, 2*time.Second, 10*time.Millisecond)

	var sawConnected bool
	require.Eventually(t, func() bool {
		for _, e := range hooks.events {
			if e.message == "sidechannel eth0 connected" {
				sawConnected = true
			}
		}
		return sawConnected
	}, 2*time.Second, 10*time.Millisecond)
}
