package sidechannel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/log"
)

// InstanceMonitorConfig configures one per-VM child's single_instance_monitor
// equivalent.
type InstanceMonitorConfig struct {
	InstanceUUID string
	StoragePath  string
	SideChannels []string
}

func instancePath(storagePath, instanceUUID string) string {
	return filepath.Join(storagePath, "instances", instanceUUID)
}

func sidechannelSocketPath(storagePath, instanceUUID, name string) string {
	return filepath.Join(instancePath(storagePath, instanceUUID), "sc-"+name)
}

// setProcTitle best-effort renames this process's name (comm) via
// /proc/self/comm (Linux only; no pack dependency wraps prctl(PR_SET_NAME),
// so this is a direct syscall-adjacent write rather than a cgo binding).
func setProcTitle(title string) {
	if len(title) > 15 {
		title = title[:15]
	}
	_ = os.WriteFile("/proc/self/comm", []byte(title), 0644)
}

// InstanceDeletedChecker reports whether an instance has been deleted,
// in which case its side-channel monitor must refuse to run. A nil
// checker is treated as "never deleted".
type InstanceDeletedChecker func(ctx context.Context, instanceUUID string) (bool, error)

// RunInstanceMonitor is the single_instance_monitor equivalent: it waits
// for the VM's console log, opens one Channel per configured side
// channel, and runs the 1-second ticker-driven event loop until ctx is
// cancelled.
func RunInstanceMonitor(ctx context.Context, store *kv.Store, cfg InstanceMonitorConfig, isDeleted InstanceDeletedChecker) error {
	setProcTitle(fmt.Sprintf("sf-sidechannel-%s", cfg.InstanceUUID))
	logger := log.WithComponent("sidechannel-monitor").With().Str("instance_uuid", cfg.InstanceUUID).Logger()

	if isDeleted != nil {
		deleted, err := isDeleted(ctx, cfg.InstanceUUID)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}
	}

	hooks := NewInstanceHooks(store, cfg.InstanceUUID, cfg.StoragePath)

	consolePath := filepath.Join(instancePath(cfg.StoragePath, cfg.InstanceUUID), "console.log")
	for {
		if _, err := os.Stat(consolePath); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	hooks.AddEvent(ctx, eventTypeStatus, "detected console log", nil)

	channels := map[string]*Channel{}
	closed := make(chan string, len(cfg.SideChannels)+1)

	buildSideChannelSockets := func() {
		for _, name := range cfg.SideChannels {
			if _, ok := channels[name]; ok {
				continue
			}
			sockPath := sidechannelSocketPath(cfg.StoragePath, cfg.InstanceUUID, name)
			if _, err := os.Stat(sockPath); err != nil {
				continue
			}
			conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
			if err != nil {
				continue
			}
			ch := NewChannel(name, cfg.InstanceUUID, conn, hooks, logger)
			channels[name] = ch
			_ = ch.SendPing()
			go ch.ReadLoop(ctx, closed)
		}
	}

	buildSideChannelSockets()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-closed:
			delete(channels, name)
		case <-ticker.C:
			buildSideChannelSockets()
			for name, ch := range channels {
				if err := ch.Poll(ctx); err != nil {
					delete(channels, name)
				}
			}
		}
	}
}
