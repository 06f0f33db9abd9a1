package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/server"
)

// Config is the collabd configuration file layout.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig tunes the relay.
type ServerConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	MaxClients          int           `yaml:"max_clients"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
	SendQueueSize       int           `yaml:"send_queue_size"`
	ClientTimeout       time.Duration `yaml:"client_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := server.DefaultConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr:          sc.ListenAddr,
			MaxClients:          sc.MaxClients,
			MaxMessageSize:      sc.MaxMessageSize,
			SendQueueSize:       sc.SendQueueSize,
			ClientTimeout:       sc.ClientTimeout,
			HealthCheckInterval: sc.HealthCheckInterval,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged; env var COLLABSYNC_LISTEN_ADDR overrides the
// listen address either way.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if addr := os.Getenv("COLLABSYNC_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	return cfg, nil
}

// ServerConfig converts the file layout into the relay's runtime config.
func (c Config) ServerConfig() server.Config {
	sc := server.DefaultConfig()
	sc.ListenAddr = c.Server.ListenAddr
	sc.MaxClients = c.Server.MaxClients
	sc.MaxMessageSize = c.Server.MaxMessageSize
	sc.SendQueueSize = c.Server.SendQueueSize
	sc.ClientTimeout = c.Server.ClientTimeout
	sc.HealthCheckInterval = c.Server.HealthCheckInterval
	sc.LogLevel = log.ParseLevel(c.Log.Level)
	return sc
}
