// Command controlplane is the single binary hosting every daemon role
// in this repo: the replicated KV store (C1-C5), the event-log gRPC
// ingest (C7), and the side-channel supervisor (C8), as a root command
// with one subcommand per role.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetkit/controlplane/pkg/config"
	"github.com/fleetkit/controlplane/pkg/eventlog"
	"github.com/fleetkit/controlplane/pkg/kv"
	"github.com/fleetkit/controlplane/pkg/log"
	"github.com/fleetkit/controlplane/pkg/metrics"
	"github.com/fleetkit/controlplane/pkg/sidechannel"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controlplane",
	Short:   "controlplane - a distributed control plane for a cluster hypervisor",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("controlplane version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/controlplane/config.yaml", "Path to the YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(eventlogdCmd)
	rootCmd.AddCommand(sidechanneldCmd)
	rootCmd.AddCommand(sidechannelMonitorCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func waitForSignal(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

// nodeCmd bootstraps or joins the replicated KV store that backs
// C1-C6 (the lock manager, snapshot cache, queue runtime, object base
// and agent-operation model all build on pkg/kv.Store).
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a KV store node (C1-C6 backing store)",
}

var nodeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := kv.Open(cfg.StoragePath, nodeID, kv.Options{})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := store.Bootstrap(kv.ClusterConfig{BindAddr: bindAddr, DataDir: cfg.StoragePath}); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}

		fmt.Printf("controlplane node %s bootstrapped at %s\n", nodeID, bindAddr)

		ctx := waitForSignal(cmd.Context())
		<-ctx.Done()
		return nil
	},
}

var nodeJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := kv.Open(cfg.StoragePath, nodeID, kv.Options{})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := store.Join(kv.ClusterConfig{BindAddr: bindAddr, DataDir: cfg.StoragePath}); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}

		fmt.Printf("controlplane node %s joined, dial the leader's AddVoter to admit it\n", nodeID)

		ctx := waitForSignal(cmd.Context())
		<-ctx.Done()
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{nodeInitCmd, nodeJoinCmd} {
		c.Flags().String("node-id", "", "This node's raft ID")
		c.Flags().String("bind-addr", "127.0.0.1:9003", "Raft transport bind address")
		_ = c.MarkFlagRequired("node-id")
	}
	nodeCmd.AddCommand(nodeInitCmd, nodeJoinCmd)
}

// eventlogdCmd runs C7's gRPC event ingest daemon, plus the legacy-KV
// drain and retention pruner (pkg/eventlog.Monitor).
var eventlogdCmd = &cobra.Command{
	Use:   "eventlogd",
	Short: "Run the event-log gRPC ingest daemon (C7)",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := kv.Open(cfg.StoragePath, nodeID, kv.Options{})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		eventMaxAge := make(map[string]time.Duration)
		for _, et := range eventlog.EventTypes {
			d, disabled, err := cfg.EventLog.MaxEventAgeDuration(et)
			if err != nil {
				return err
			}
			if disabled {
				eventMaxAge[et] = -1
				continue
			}
			eventMaxAge[et] = d
		}

		monitor := eventlog.NewMonitor(store, eventlog.Config{
			NodeIP:      cfg.EventLog.NodeIP,
			APIPort:     cfg.EventLog.APIPort,
			MetricsPort: cfg.EventLog.MetricsPort,
			StoragePath: cfg.StoragePath,
			MaxEventAge: eventMaxAge,
		})

		listenAddr := fmt.Sprintf("%s:%d", cfg.EventLog.NodeIP, cfg.EventLog.APIPort)
		metricsAddr := fmt.Sprintf("%s:%d", cfg.EventLog.NodeIP, cfg.EventLog.MetricsPort)
		if err := monitor.Run(cmd.Context(), []string{nodeID}, listenAddr, metricsAddr); err != nil {
			return fmt.Errorf("start event-log monitor: %w", err)
		}

		ctx := waitForSignal(cmd.Context())
		<-ctx.Done()
		monitor.Stop()
		return nil
	},
}

func init() {
	eventlogdCmd.Flags().String("node-id", "", "This node's ID (used as the local event-log namespace)")
	_ = eventlogdCmd.MarkFlagRequired("node-id")
}

// sidechanneldCmd runs C8's parent supervisor, reconciling one monitor
// child per locally-active VM against libvirt.
var sidechanneldCmd = &cobra.Command{
	Use:   "sidechanneld",
	Short: "Run the side-channel supervisor (C8)",
	RunE: func(cmd *cobra.Command, args []string) error {
		libvirtSocket, _ := cmd.Flags().GetString("libvirt-socket")
		lister := sidechannel.NewLibvirtLister(libvirtSocket)

		sup := sidechannel.NewSupervisor(lister)
		ctx := waitForSignal(cmd.Context())
		sup.Start(ctx)

		metrics.MonitorsActive.Set(0)

		<-ctx.Done()
		sup.Stop()
		return nil
	},
}

func init() {
	sidechanneldCmd.Flags().String("libvirt-socket", "", "libvirt socket path (default /var/run/libvirt/libvirt-sock)")
}

// sidechannelMonitorCmd is the hidden self-reexec target
// sidechanneld spawns one of per active VM.
var sidechannelMonitorCmd = &cobra.Command{
	Use:    "sidechannel-monitor <instance-uuid>",
	Short:  "Internal: run a single VM's side-channel monitor",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceUUID := args[0]
		nodeID, _ := cmd.Flags().GetString("node-id")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := kv.Open(cfg.StoragePath, nodeID, kv.Options{})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		monCfg := sidechannel.InstanceMonitorConfig{
			InstanceUUID: instanceUUID,
			StoragePath:  cfg.StoragePath,
			SideChannels: cfg.SideChannelNames(),
		}

		ctx := waitForSignal(cmd.Context())
		return sidechannel.RunInstanceMonitor(ctx, store, monCfg, nil)
	},
}

func init() {
	sidechannelMonitorCmd.Flags().String("node-id", "", "This node's ID")
	_ = sidechannelMonitorCmd.MarkFlagRequired("node-id")
}
