// Package config handles elke27ctl configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first. Then: ./config.yaml,
// ~/.config/elke27/config.yaml, /config/config.yaml,
// /etc/elke27/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "elke27", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/elke27/config.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths by default; tests override it
// to avoid matching real config files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all elke27ctl configuration.
type Config struct {
	Panel     PanelConfig     `yaml:"panel"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	MQTT      MQTTBridgeConfig `yaml:"mqtt"`
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// PanelConfig defines the panel WebSocket connection.
type PanelConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
}

// Configured reports whether the panel connection has both a URL and
// a token. A partial configuration is treated as unconfigured.
func (c PanelConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// KeepaliveConfig mirrors the kernel's keepalive tunables (spec §6).
type KeepaliveConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxMissed  int           `yaml:"max_missed"`
}

// MQTTBridgeConfig defines the optional MQTT discovery bridge that
// publishes panel state changes as sensors.
type MQTTBridgeConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ClientID           string `yaml:"client_id"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	DiscoveryTag       string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_s"`
}

// ListenConfig defines elke27ctl's optional local status endpoint.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${ELKE27_TOKEN}) as a
	// convenience for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8427
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Panel.DialTimeout == 0 {
		c.Panel.DialTimeout = 10 * time.Second
	}
	if c.Panel.RequestTimeout == 0 {
		c.Panel.RequestTimeout = 10 * time.Second
	}
	if c.Keepalive.Interval == 0 {
		c.Keepalive.Interval = 30 * time.Second
	}
	if c.Keepalive.Timeout == 0 {
		c.Keepalive.Timeout = 5 * time.Second
	}
	if c.Keepalive.MaxMissed == 0 {
		c.Keepalive.MaxMissed = 3
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "elke27"
	}
	if c.MQTT.DiscoveryTag == "" {
		c.MQTT.DiscoveryTag = "homeassistant"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "elke27ctl"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "elke27"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 30
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Keepalive.MaxMissed < 1 {
		return fmt.Errorf("keepalive.max_missed %d must be at least 1", c.Keepalive.MaxMissed)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with no panel configured.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
