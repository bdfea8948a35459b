package sidechannel

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fleetkit/controlplane/pkg/errs"
	"github.com/rs/zerolog"
)

// Agent readiness states tracked per channel, matching SFSocketAgent's
// instance_ready values in
// original_source/shakenfist/daemons/sidechannel.py.
const (
	NeverTalked    = "not ready (no contact)"
	StoppedTalking = "not ready (unresponsive)"
	AgentStarted   = "not ready (agent startup)"
	AgentStopped   = "not ready (agent stopped)"
	AgentReady     = "ready"
	AgentDegraded  = "ready (degraded)"
)

const (
	eventTypeAudit  = "audit"
	eventTypeStatus = "status"
)

var errConnectionIdle = errors.New("sidechannel: connection idle")

const maxPacketSize = 16 * 1024 * 1024

// Packet is one JSON object carried over a side-channel socket.
type Packet map[string]any

func (p Packet) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Packet) float(key string) float64 {
	v, _ := p[key].(float64)
	return v
}

func (p Packet) boolResult() bool {
	switch v := p["result"].(type) {
	case bool:
		return v
	}
	return false
}

// AgentOperationView is the subset of an agent operation a Channel needs
// in order to dispatch its commands, kept narrow so implementations of
// Hooks don't have to import pkg/agentop directly.
type AgentOperationView struct {
	UUID     string
	Commands []map[string]any
}

// Hooks decouples Channel's protocol state machine from the concrete
// agent-operation queue, event log, and blob store it drives, so the
// state machine can be exercised against a net.Pipe() in tests.
type Hooks interface {
	AddEvent(ctx context.Context, eventType, message string, extra map[string]any)
	SetAgentState(ctx context.Context, state string)
	SetAgentFacts(ctx context.Context, facts map[string]any)
	DequeueAgentOperation(ctx context.Context) (*AgentOperationView, error)
	StartOperation(ctx context.Context, operationUUID string)
	SetOperationError(ctx context.Context, operationUUID, message string)
	CompleteOperation(ctx context.Context, operationUUID string)
	BlobPath(ctx context.Context, blobUUID string) (string, error)
}

type fileGet struct {
	file       *os.File
	sourcePath string
}

// Channel is one length-prefixed-JSON connection to a guest agent over
// a Unix-domain socket, grounded on SFSocketAgent. Each frame is a
// 4-byte big-endian length followed by that many bytes of JSON, per
// spec.md §6's "length-prefixed JSON packets".
type Channel struct {
	Name         string
	instanceUUID string
	conn         net.Conn
	reader       *bufio.Reader
	hooks        Hooks
	log          zerolog.Logger

	mu                sync.Mutex
	lastData          time.Time
	instanceReady     string
	systemBootTime    float64
	incompleteFileGet *fileGet
	pollSystemRunning bool
	connected         bool

	handlers map[string]func(context.Context, *Channel, Packet)
}

func NewChannel(name, instanceUUID string, conn net.Conn, hooks Hooks, logger zerolog.Logger) *Channel {
	c := &Channel{
		Name:              name,
		instanceUUID:      instanceUUID,
		conn:              conn,
		reader:            bufio.NewReader(conn),
		hooks:             hooks,
		log:               logger,
		lastData:          time.Now(),
		instanceReady:     NeverTalked,
		pollSystemRunning: true,
	}
	c.handlers = map[string]func(context.Context, *Channel, Packet){
		"agent-start":                handleAgentStart,
		"agent-stop":                 handleAgentStop,
		"is-system-running-response": handleIsSystemRunningResponse,
		"gather-facts-response":      handleGatherFactsResponse,
		"get-file-response":          handleGetFileResponse,
		"watch-file-response":        handleWatchFileResponse,
		"execute-response":           handleExecuteResponse,
		"chmod-response":             handleChmodResponse,
		"chown-response":             handleChownResponse,
	}
	hooks.SetAgentState(context.Background(), NeverTalked)
	return c
}

// SendPacket writes one length-prefixed JSON packet.
func (c *Channel) SendPacket(pkt Packet) error {
	body, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err = c.conn.Write(body)
	return err
}

func (c *Channel) SendPing() error {
	return c.SendPacket(Packet{"command": "ping"})
}

// readPacket blocks for exactly one framed packet.
func (c *Channel) readPacket() (Packet, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxPacketSize {
		return nil, fmt.Errorf("sidechannel: packet too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	var pkt Packet
	if err := json.Unmarshal(body, &pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// ReadLoop blocks reading and dispatching framed packets until the
// connection errors out or closes, then signals on closed. Meant to run
// in its own goroutine, one per Channel, fanning state changes into the
// shared Hooks rather than a shared Go channel — each Channel's state is
// touched only by its own goroutine and by Poll (guarded by mu).
func (c *Channel) ReadLoop(ctx context.Context, closed chan<- string) {
	for {
		pkt, err := c.readPacket()
		if err != nil {
			closed <- c.Name
			return
		}
		c.markConnected(ctx)
		c.Dispatch(ctx, pkt)
	}
}

func (c *Channel) markConnected(ctx context.Context) {
	c.mu.Lock()
	c.lastData = time.Now()
	wasConnected := c.connected
	c.connected = true
	c.mu.Unlock()
	if !wasConnected {
		c.hooks.AddEvent(ctx, eventTypeAudit, fmt.Sprintf("sidechannel %s connected", c.Name), nil)
	}
}

// Dispatch routes pkt to its registered handler by command name.
func (c *Channel) Dispatch(ctx context.Context, pkt Packet) {
	handler, ok := c.handlers[pkt.str("command")]
	if !ok {
		c.log.Debug().Str("command", pkt.str("command")).Msg("no handler for packet")
		return
	}
	handler(ctx, c, pkt)
}

// Poll drives the agent state machine. It reproduces SFSocketAgent.poll's
// if/elif structure: after >5s of silence a ready channel with no file
// GET in flight dispatches the next agent operation; otherwise, after
// >15s of silence, the channel is closed and errConnectionIdle returned.
// The two branches are mutually exclusive, so a ready channel with no
// file GET in flight is never closed by Poll.
func (c *Channel) Poll(ctx context.Context) error {
	c.mu.Lock()
	idleFor := time.Since(c.lastData)
	ready := c.instanceReady == AgentReady
	hasIncompleteGet := c.incompleteFileGet != nil
	everTalked := c.instanceReady != NeverTalked
	bootTime := c.systemBootTime
	pollRunning := c.pollSystemRunning
	c.mu.Unlock()

	if idleFor > 5*time.Second && ready && !hasIncompleteGet {
		if err := c.dispatchNextAgentOperation(ctx); err != nil {
			return err
		}
	} else if idleFor > 15*time.Second {
		if everTalked {
			c.setInstanceReady(ctx, StoppedTalking)
		}
		c.log.Debug().Str("sidechannel", c.Name).Msg("not receiving traffic, aborting")
		if bootTime != 0 {
			c.hooks.AddEvent(ctx, eventTypeStatus, "agent has gone silent, restarting channel", nil)
		}
		_ = c.conn.Close()
		return errConnectionIdle
	}

	if pollRunning {
		return c.SendPacket(Packet{"command": "is-system-running"})
	}
	return nil
}

func (c *Channel) dispatchNextAgentOperation(ctx context.Context) error {
	op, err := c.hooks.DequeueAgentOperation(ctx)
	if err != nil || op == nil {
		return err
	}
	c.hooks.AddEvent(ctx, eventTypeAudit, "Dequeued agent operation", map[string]any{"agentoperation": op.UUID})
	c.hooks.StartOperation(ctx, op.UUID)

	for _, command := range op.Commands {
		name, _ := command["command"].(string)
		switch name {
		case "put-blob":
			blobUUID, _ := command["blob_uuid"].(string)
			path, _ := command["path"].(string)
			blobPath, err := c.hooks.BlobPath(ctx, blobUUID)
			if err != nil || blobPath == "" {
				c.hooks.SetOperationError(ctx, op.UUID, fmt.Sprintf("blob missing: %s", blobUUID))
			} else if err := c.putFile(blobPath, path); err != nil {
				c.hooks.SetOperationError(ctx, op.UUID, err.Error())
			} else {
				continue
			}
		case "chmod":
			path, _ := command["path"].(string)
			mode, _ := command["mode"].(string)
			if err := c.chmod(path, mode); err != nil {
				c.hooks.SetOperationError(ctx, op.UUID, err.Error())
			} else {
				continue
			}
		default:
			c.hooks.AddEvent(ctx, eventTypeAudit, "Unknown agent operation command, aborting operation", map[string]any{
				"agentoperation": op.UUID,
				"command":        name,
			})
			c.hooks.SetOperationError(ctx, op.UUID, fmt.Sprintf("%v: %s", errs.ErrUnknownAgentCommand, name))
		}
		break
	}
	c.hooks.CompleteOperation(ctx, op.UUID)
	return nil
}

const fileChunkSize = 64 * 1024

func (c *Channel) putFile(sourcePath, destinationPath string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("source path %s does not exist: %w", sourcePath, err)
	}
	defer f.Close()

	buf := make([]byte, fileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := c.SendPacket(Packet{
				"command": "put-file",
				"path":    destinationPath,
				"chunk":   base64.StdEncoding.EncodeToString(buf[:n]),
			}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return c.SendPacket(Packet{
		"command": "put-file",
		"path":    destinationPath,
		"chunk":   nil,
	})
}

func (c *Channel) chmod(path, mode string) error {
	return c.SendPacket(Packet{"command": "chmod", "path": path, "mode": mode})
}

func (c *Channel) Chown(user, group string) error {
	return c.SendPacket(Packet{"command": "chown", "user": user, "group": group})
}

func (c *Channel) WatchFile(path string) error {
	return c.SendPacket(Packet{"command": "watch-file", "path": path})
}

func (c *Channel) Execute(commandLine string) error {
	return c.SendPacket(Packet{"command": "execute", "command-line": commandLine, "block-for-result": false})
}

func (c *Channel) GatherFacts() error {
	return c.SendPacket(Packet{"command": "gather-facts"})
}

// GetFile starts a file GET: a temp file is staged and subsequent
// get-file-response packets append to it until a nil chunk arrives.
func (c *Channel) GetFile(path string) error {
	f, err := os.CreateTemp("", "sidechannel-get-*")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.incompleteFileGet = &fileGet{file: f, sourcePath: path}
	c.mu.Unlock()
	return c.SendPacket(Packet{"command": "get-file", "path": path})
}

func (c *Channel) setInstanceReady(ctx context.Context, state string) {
	c.mu.Lock()
	changed := c.instanceReady != state
	c.instanceReady = state
	c.mu.Unlock()
	if changed {
		c.hooks.SetAgentState(ctx, state)
	}
}

func (c *Channel) recordSystemBootTime(ctx context.Context, sbt float64) {
	c.mu.Lock()
	prev := c.systemBootTime
	c.systemBootTime = sbt
	c.mu.Unlock()
	if sbt != prev && prev != 0 {
		c.hooks.AddEvent(ctx, eventTypeAudit, "reboot detected", nil)
	}
}

func (c *Channel) enablePollSystemRunning() {
	c.mu.Lock()
	c.pollSystemRunning = true
	c.mu.Unlock()
}

func (c *Channel) disablePollSystemRunning() {
	c.mu.Lock()
	c.pollSystemRunning = false
	c.mu.Unlock()
}
