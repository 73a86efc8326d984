package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Fleet        FleetConfig        `json:"fleet"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Devices      []DeviceConfig     `json:"devices"`
	Database     DatabaseConfig     `json:"database"`
	Notify       NotifyConfig       `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// FleetConfig tunes connection handling. It is built once and shared by
// pointer with the fleet manager.
type FleetConfig struct {
	RegistrationTimeout Duration `json:"registration_timeout"`
	HandshakeTimeout    Duration `json:"handshake_timeout"`
	HeartbeatInterval   Duration `json:"heartbeat_interval"`
	// HeartbeatTimeout, when positive, makes every heartbeat wait that long
	// for the device's reply. Zero sends without waiting.
	HeartbeatTimeout Duration `json:"heartbeat_timeout"`
	ReconnectDelay      Duration `json:"reconnect_delay"`
	MaxRetries          int      `json:"max_retries"`
	TaskTimeout         Duration `json:"task_timeout"`
	DeviceInfoTimeout   Duration `json:"device_info_timeout"`
	FetchDeviceInfo     bool     `json:"fetch_device_info"`
}

// OrchestratorConfig tunes the scheduling loop.
type OrchestratorConfig struct {
	ModificationTimeout Duration `json:"modification_timeout"`
	// Strategy assigns devices to tasks that have none: "round_robin",
	// "least_loaded" or "" for none.
	Strategy string `json:"strategy"`
}

type DeviceConfig struct {
	ID           string            `json:"id"`
	ServerURL    string            `json:"server_url"`
	OS           string            `json:"os,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// MaxRetries overrides fleet.max_retries when positive.
	MaxRetries int `json:"max_retries,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Strategy names accepted in OrchestratorConfig.Strategy.
const (
	StrategyNone        = ""
	StrategyRoundRobin  = "round_robin"
	StrategyLeastLoaded = "least_loaded"
)

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no devices.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	c.Fleet.ApplyDefaults()
	c.Orchestrator.ApplyDefaults()
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "constellation:events"
	}
}

// ApplyDefaults fills zero values.
func (f *FleetConfig) ApplyDefaults() {
	setDefault(&f.RegistrationTimeout, 10*time.Second)
	setDefault(&f.HandshakeTimeout, 10*time.Second)
	setDefault(&f.HeartbeatInterval, 30*time.Second)
	setDefault(&f.ReconnectDelay, 5*time.Second)
	setDefault(&f.TaskTimeout, time.Hour)
	setDefault(&f.DeviceInfoTimeout, 10*time.Second)
	if f.MaxRetries == 0 {
		f.MaxRetries = 5
	}
}

// ApplyDefaults fills zero values.
func (o *OrchestratorConfig) ApplyDefaults() {
	setDefault(&o.ModificationTimeout, 30*time.Second)
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Fleet.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("fleet.max_retries must not be negative"))
	}
	for name, d := range map[string]Duration{
		"fleet.registration_timeout":        c.Fleet.RegistrationTimeout,
		"fleet.heartbeat_interval":          c.Fleet.HeartbeatInterval,
		"fleet.heartbeat_timeout":           c.Fleet.HeartbeatTimeout,
		"fleet.reconnect_delay":             c.Fleet.ReconnectDelay,
		"fleet.task_timeout":                c.Fleet.TaskTimeout,
		"orchestrator.modification_timeout": c.Orchestrator.ModificationTimeout,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Orchestrator.Strategy {
	case StrategyNone, StrategyRoundRobin, StrategyLeastLoaded:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.strategy %q is not one of round_robin, least_loaded", c.Orchestrator.Strategy))
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		if !strings.HasPrefix(d.ServerURL, "ws://") && !strings.HasPrefix(d.ServerURL, "wss://") {
			errs = append(errs, fmt.Errorf("devices[%d] %s: server_url must be a ws:// or wss:// url", i, d.ID))
		}
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.ChannelID == "") {
		errs = append(errs, fmt.Errorf("notify.slack: bot_token and channel_id are required when enabled"))
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.BotToken == "" || c.Notify.Discord.ChannelID == "") {
		errs = append(errs, fmt.Errorf("notify.discord: bot_token and channel_id are required when enabled"))
	}
	return errors.Join(errs...)
}

// RetriesFor returns the retry budget for a device.
func (c *Config) RetriesFor(d DeviceConfig) int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return c.Fleet.MaxRetries
}
