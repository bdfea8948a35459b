// Package config loads the daemon's YAML configuration file via
// os.ReadFile + yaml.Unmarshal against a plain tagged struct.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EventLog holds C7's gRPC/metrics listener and event-retention settings.
type EventLog struct {
	APIPort     int               `yaml:"api_port"`
	NodeIP      string            `yaml:"node_ip"`
	MetricsPort int               `yaml:"metrics_port"`
	MaxEventAge map[string]string `yaml:"max_event_age"`
}

// SideChannel names one channel a C8 monitor should open for every VM.
type SideChannel struct {
	Name string `yaml:"name"`
}

// Config is the daemon's top-level configuration, covering the ambient
// settings SPEC_FULL.md §6 lists: storage layout, lock tuning, C7's
// listener/retention config, and C8's side-channel list.
type Config struct {
	StoragePath       string        `yaml:"storage_path"`
	SlowLockThreshold time.Duration `yaml:"slow_lock_threshold"`
	EventLog          EventLog      `yaml:"eventlog"`
	SideChannels      []SideChannel `yaml:"side_channels"`
}

func defaults() Config {
	return Config{
		StoragePath:       "/srv/controlplane",
		SlowLockThreshold: 5 * time.Second,
		EventLog: EventLog{
			APIPort:     9001,
			NodeIP:      "0.0.0.0",
			MetricsPort: 9002,
			MaxEventAge: map[string]string{
				"audit":    "720h",
				"status":   "168h",
				"historic": "-1",
			},
		},
	}
}

// Load reads and parses the YAML file at path, filling in defaults for
// anything the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// MaxEventAgeDuration parses the configured retention duration for
// eventType. A value of "-1", or no entry for eventType, disables
// pruning for that type (reported as 0 with disabled=true), matching
// spec.md §6's `MAX_<TYPE>_EVENT_AGE`.
func (e EventLog) MaxEventAgeDuration(eventType string) (d time.Duration, disabled bool, err error) {
	raw, ok := e.MaxEventAge[eventType]
	if !ok || raw == "-1" {
		return 0, true, nil
	}
	d, err = time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse max event age for %s: %w", eventType, err)
	}
	return d, false, nil
}

// SideChannelNames flattens the configured side-channel list.
func (c Config) SideChannelNames() []string {
	names := make([]string, 0, len(c.SideChannels))
	for _, sc := range c.SideChannels {
		names = append(names, sc.Name)
	}
	return names
}
