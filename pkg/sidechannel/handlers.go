package sidechannel

import (
	"context"
	"encoding/base64"
	"fmt"
)

// handleAgentStart marks the channel AGENT_STARTED, records the agent's
// reported boot time, and re-arms the is-system-running poll probe.
func handleAgentStart(ctx context.Context, c *Channel, pkt Packet) {
	c.setInstanceReady(ctx, AgentStarted)
	c.recordSystemBootTime(ctx, pkt.float("system_boot_time"))
	c.enablePollSystemRunning()
}

// handleAgentStop marks the channel AGENT_STOPPED. Bound to its own
// handler rather than reusing handleAgentStart.
func handleAgentStop(ctx context.Context, c *Channel, pkt Packet) {
	c.setInstanceReady(ctx, AgentStopped)
}

func handleIsSystemRunningResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.recordSystemBootTime(ctx, pkt.float("system_boot_time"))

	var newState string
	if pkt.boolResult() {
		newState = AgentReady
		c.disablePollSystemRunning()
	} else {
		msg := pkt.str("message")
		if msg == "" {
			msg = "none"
		}
		if msg == "degraded" {
			newState = AgentDegraded
		} else {
			newState = fmt.Sprintf("not ready (%s)", msg)
		}
	}

	c.mu.Lock()
	changed := c.instanceReady != newState
	c.instanceReady = newState
	c.mu.Unlock()

	if !changed {
		return
	}
	c.hooks.SetAgentState(ctx, newState)
	if newState == AgentReady {
		_ = c.GatherFacts()
	}
}

func handleGatherFactsResponse(ctx context.Context, c *Channel, pkt Packet) {
	facts, _ := pkt["result"].(map[string]any)
	c.hooks.AddEvent(ctx, eventTypeAudit, "received system facts", nil)
	c.hooks.SetAgentFacts(ctx, facts)
}

// handleGetFileResponse reassembles a multi-packet file GET: a chunk
// packet appends decoded bytes, and a nil chunk closes the staging file
// and clears the in-flight record. A metadata packet (no chunk key) is
// accepted but its stat fields are not kept.
func handleGetFileResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.mu.Lock()
	fg := c.incompleteFileGet
	c.mu.Unlock()

	if fg == nil {
		c.log.Warn().Interface("packet", pkt).Msg("unexpected file response")
		return
	}
	if !pkt.boolResult() {
		c.log.Warn().Interface("packet", pkt).Msg("file get failed")
		return
	}

	chunk, hasChunk := pkt["chunk"]
	if !hasChunk {
		// Metadata packet carrying stat_result; nothing to write yet.
		return
	}
	if chunk == nil {
		c.mu.Lock()
		fg.file.Close()
		c.incompleteFileGet = nil
		c.mu.Unlock()
		c.log.Info().Str("path", fg.sourcePath).Msg("file get complete")
		return
	}

	chunkStr, _ := chunk.(string)
	data, err := base64.StdEncoding.DecodeString(chunkStr)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed file chunk")
		return
	}
	fg.file.Write(data)
}

func handleWatchFileResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.log.Info().Str("path", pkt.str("path")).Msg("received watch content")
}

func handleExecuteResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.log.Info().Msg("received execute response")
}

func handleChmodResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.log.Info().Msg("received chmod response")
}

func handleChownResponse(ctx context.Context, c *Channel, pkt Packet) {
	c.log.Info().Msg("received chown response")
}
