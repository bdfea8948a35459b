/*
Package log provides structured logging for the control plane using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

The logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("sidechannel")              │          │
	│  │  - WithNodeID("node-abc123")                │          │
	│  │  - WithServiceID("lock-manager")             │          │
	│  │  - WithTaskID("queue-worker-4")              │          │
	│  │  - WithInstanceID("instance-def456")         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "sidechannel",              │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "channel ready"                │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF channel ready component=sidechannel │      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from every package in this module
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add node ID context
  - WithServiceID: Add service ID context
  - WithTaskID: Add task/workitem ID context
  - WithInstanceID: Add VM instance UUID context

# Usage

Initializing the Logger:

	import "github.com/fleetkit/controlplane/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("store bootstrapped")
	log.Debug("checking lock holder liveness")
	log.Warn("slow lock acquisition detected")
	log.Error("failed to dequeue agent operation")
	log.Fatal("cannot start without a data directory") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("instance_uuid", instanceUUID).
		Str("state", sidechannel.AgentReady).
		Msg("agent channel ready")

	log.Logger.Error().
		Err(err).
		Str("node_id", "node-abc").
		Msg("raft apply failed")

Component Loggers:

	sideChannelLog := log.WithComponent("sidechannel")
	sideChannelLog.Info().Msg("starting reconcile loop")
	sideChannelLog.Debug().Str("instance_uuid", instanceUUID).Msg("spawning monitor")

	lockLog := log.WithComponent("lock").
		With().Str("object_type", "instance").Logger()
	lockLog.Info().Msg("lock acquired")
	lockLog.Warn().Dur("held_for", d).Msg("slow lock release")

Context Logger Helpers:

	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Info().Msg("node joined cluster")

	instanceLog := log.WithInstanceID("instance-def456")
	instanceLog.Info().Msg("agent reported ready")

# Integration Points

This package integrates with:

  - pkg/kv: Logs retries of transient store errors
  - pkg/lock: Logs slow lock waits and release/stale-clear failures
  - pkg/eventlog: Logs gRPC ingest and prune-sweep progress
  - pkg/sidechannel: Logs monitor start/exit, packet handling, and the
    parent supervisor's shutdown sequence

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (node ID, instance UUID, object type)

Don't:
  - Log sensitive data (blob contents, lock tokens)
  - Use Debug level in production
  - Log in tight loops (the poll/reconcile ticks included)
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
