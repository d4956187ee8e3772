package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Locks     LocksConfig     `yaml:"locks"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
	Orphans   OrphansConfig   `yaml:"orphans"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	AdminAddr string `yaml:"admin_addr"`
}

type QueueConfig struct {
	CheckpointOps         int `yaml:"checkpoint_ops"`
	CheckpointIntervalSec int `yaml:"checkpoint_interval_sec"`
	WALMaxBytes           int `yaml:"wal_max_bytes"`
	StatsHistorySize      int `yaml:"stats_history_size"`
}

type HeartbeatConfig struct {
	IntervalSec       int `yaml:"interval_sec"`
	FreshThresholdSec int `yaml:"fresh_threshold_sec"`
	DeadThresholdSec  int `yaml:"dead_threshold_sec"`
	StaleRecheckSec   int `yaml:"stale_recheck_sec"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
}

type LocksConfig struct {
	StaleAgeSec int `yaml:"stale_age_sec"`
}

type CallbacksConfig struct {
	BackoffStepsSec     []int `yaml:"backoff_steps_sec"`
	MaxRetries          int   `yaml:"max_retries"`
	DeliveryIntervalSec int   `yaml:"delivery_interval_sec"`
	RequestTimeoutSec   int   `yaml:"request_timeout_sec"`
}

type OrphansConfig struct {
	Enabled   bool `yaml:"enabled"`
	MinAgeSec int  `yaml:"min_age_sec"`
}

type RecoveryConfig struct {
	PhaseTimeoutSec int `yaml:"phase_timeout_sec"`
	HistoryLimit    int `yaml:"history_limit"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the reference tuning values. Every knob here is
// operationally tunable via config.yaml.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{AdminAddr: "127.0.0.1:8710"},
		Queue: QueueConfig{
			CheckpointOps:         1000,
			CheckpointIntervalSec: 30,
			WALMaxBytes:           8 << 20,
			StatsHistorySize:      512,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec:       30,
			FreshThresholdSec: 120,
			DeadThresholdSec:  600,
			StaleRecheckSec:   30,
			SweepIntervalSec:  60,
		},
		Locks: LocksConfig{StaleAgeSec: 600},
		Callbacks: CallbacksConfig{
			BackoffStepsSec:     []int{30, 120, 600},
			MaxRetries:          5,
			DeliveryIntervalSec: 5,
			RequestTimeoutSec:   30,
		},
		Orphans: OrphansConfig{Enabled: true, MinAgeSec: 3600},
		Recovery: RecoveryConfig{
			PhaseTimeoutSec: 60,
			HistoryLimit:    20,
		},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads config.yaml and fills unset values with defaults. A missing
// file is not an error: the defaults are a complete working configuration.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = def.Server.AdminAddr
	}
	if c.Queue.CheckpointOps <= 0 {
		c.Queue.CheckpointOps = def.Queue.CheckpointOps
	}
	if c.Queue.CheckpointIntervalSec <= 0 {
		c.Queue.CheckpointIntervalSec = def.Queue.CheckpointIntervalSec
	}
	if c.Queue.WALMaxBytes <= 0 {
		c.Queue.WALMaxBytes = def.Queue.WALMaxBytes
	}
	if c.Queue.StatsHistorySize <= 0 {
		c.Queue.StatsHistorySize = def.Queue.StatsHistorySize
	}
	if c.Heartbeat.IntervalSec <= 0 {
		c.Heartbeat.IntervalSec = def.Heartbeat.IntervalSec
	}
	if c.Heartbeat.FreshThresholdSec <= 0 {
		c.Heartbeat.FreshThresholdSec = def.Heartbeat.FreshThresholdSec
	}
	if c.Heartbeat.DeadThresholdSec <= 0 {
		c.Heartbeat.DeadThresholdSec = def.Heartbeat.DeadThresholdSec
	}
	if c.Heartbeat.StaleRecheckSec <= 0 {
		c.Heartbeat.StaleRecheckSec = def.Heartbeat.StaleRecheckSec
	}
	if c.Heartbeat.SweepIntervalSec <= 0 {
		c.Heartbeat.SweepIntervalSec = def.Heartbeat.SweepIntervalSec
	}
	if c.Locks.StaleAgeSec <= 0 {
		c.Locks.StaleAgeSec = def.Locks.StaleAgeSec
	}
	if len(c.Callbacks.BackoffStepsSec) == 0 {
		c.Callbacks.BackoffStepsSec = def.Callbacks.BackoffStepsSec
	}
	if c.Callbacks.MaxRetries <= 0 {
		c.Callbacks.MaxRetries = def.Callbacks.MaxRetries
	}
	if c.Callbacks.DeliveryIntervalSec <= 0 {
		c.Callbacks.DeliveryIntervalSec = def.Callbacks.DeliveryIntervalSec
	}
	if c.Callbacks.RequestTimeoutSec <= 0 {
		c.Callbacks.RequestTimeoutSec = def.Callbacks.RequestTimeoutSec
	}
	if c.Orphans.MinAgeSec <= 0 {
		c.Orphans.MinAgeSec = def.Orphans.MinAgeSec
	}
	if c.Recovery.PhaseTimeoutSec <= 0 {
		c.Recovery.PhaseTimeoutSec = def.Recovery.PhaseTimeoutSec
	}
	if c.Recovery.HistoryLimit <= 0 {
		c.Recovery.HistoryLimit = def.Recovery.HistoryLimit
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = def.Daemon.ShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
