package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	LongPoll  LongPollConfig  `yaml:"longpoll"`
	History   HistoryConfig   `yaml:"history"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type HeartbeatConfig struct {
	// Interval is P: the cadence of both the client heartbeat loop and
	// the server sweep/announce tick.
	Interval time.Duration `yaml:"interval"`
	// MissThreshold is M: consecutive stale sweeps before a session is
	// flagged unhealthy.
	MissThreshold int `yaml:"miss_threshold"`
}

type ReconnectConfig struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type LongPollConfig struct {
	// Wait is how long a poll request parks before returning empty.
	Wait time.Duration `yaml:"wait"`
}

type HistoryConfig struct {
	// Path of the SQLite event journal; empty disables journaling.
	Path string `yaml:"path"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      10 * time.Second,
			MissThreshold: 3,
		},
		Reconnect: ReconnectConfig{
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		LongPoll: LongPollConfig{
			Wait: 25 * time.Second,
		},
		History: HistoryConfig{
			Path: "data/events.db",
		},
	}
}

// Load reads the YAML config at path over the compiled-in defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
