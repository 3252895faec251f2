// Package config loads the YAML configuration of the server and console
// binaries. Fields left out of the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"remote-ctrl/logger"
)

const DefaultPort = 8372

// Etcd points at the discovery cluster. No endpoints means no discovery.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Server struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"` // Address announced to discovery
	Device    string `yaml:"device"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxIdle      time.Duration `yaml:"max_idle"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ExposeErrors bool `yaml:"expose_errors"` // Send handler error text to consoles

	RateLimit      float64       `yaml:"rate_limit"` // Commands per second per server, 0 disables
	RateBurst      int           `yaml:"rate_burst"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // 0 disables
	ReadRetries    int           `yaml:"read_retries"`    // Retries of failed read-only commands, 0 disables
	RetryDelay     time.Duration `yaml:"retry_delay"`

	MetricsAddr     string        `yaml:"metrics_addr"` // Empty disables /metrics
	RegisterTTL     int64         `yaml:"register_ttl"` // Seconds
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Etcd Etcd          `yaml:"etcd"`
	Log  logger.Config `yaml:"log"`
}

type Console struct {
	Server       string        `yaml:"server"` // Address to dial; empty means discover
	Device       string        `yaml:"device"`
	Balancer     string        `yaml:"balancer"` // round_robin, weighted_random, consistent_hash
	Identity     string        `yaml:"identity"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`

	Etcd Etcd          `yaml:"etcd"`
	Log  logger.Config `yaml:"log"`
}

func DefaultServer() Server {
	return Server{
		Listen:          fmt.Sprintf(":%d", DefaultPort),
		Device:          "spider",
		ReadTimeout:     50 * time.Millisecond,
		MaxIdle:         30 * time.Second,
		WriteTimeout:    5 * time.Second,
		RateBurst:       10,
		RetryDelay:      20 * time.Millisecond,
		RegisterTTL:     10,
		ShutdownTimeout: 5 * time.Second,
		Etcd:            Etcd{DialTimeout: 5 * time.Second},
		Log:             logger.DefaultConfig(),
	}
}

func DefaultConsole() Console {
	log := logger.DefaultConfig()
	log.Level = "warn"
	log.Stderr = true
	return Console{
		Server:       fmt.Sprintf("localhost:%d", DefaultPort),
		Device:       "spider",
		Balancer:     "round_robin",
		TTL:          5 * time.Second,
		DialTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Etcd:         Etcd{DialTimeout: 5 * time.Second},
		Log:          log,
	}
}

// load decodes path over cfg. A missing file leaves cfg untouched when
// optional is set.
func load(path string, cfg any, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadServer reads the server configuration at path. An empty path gives the
// defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}
	if err := load(path, &cfg, false); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Server) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Device == "" {
		return errors.New("device name is required")
	}
	if c.ReadTimeout <= 0 || c.MaxIdle <= 0 || c.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.MaxIdle < c.ReadTimeout {
		return fmt.Errorf("max_idle %s is shorter than read_timeout %s", c.MaxIdle, c.ReadTimeout)
	}
	if c.RateLimit < 0 || c.ReadRetries < 0 {
		return errors.New("rate_limit and read_retries cannot be negative")
	}
	return nil
}

// LoadConsole reads the console configuration at path. A missing file is not
// an error, so the console runs with no configuration at all.
func LoadConsole(path string) (Console, error) {
	cfg := DefaultConsole()
	if path == "" {
		return cfg, nil
	}
	if err := load(path, &cfg, true); err != nil {
		return cfg, err
	}
	if cfg.TTL <= 0 {
		return cfg, errors.New("ttl must be positive")
	}
	return cfg, nil
}
