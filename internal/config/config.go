package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the documented protocol constants. Every knob has a
// default so an empty config file yields a working peer.
const (
	DefaultDiscoveryPort       = 52766
	DefaultMeshPort            = 52765
	DefaultAnnounceIntervalMs  = 1000
	DefaultRoomTimeoutMs       = 5000
	DefaultProgressIntervalMs  = 50
	DefaultCountdownSeconds    = 3
	DefaultReadyCheckTimeoutMs = 5000
	DefaultConnectTimeoutMs    = 5000
	DefaultMaxPlayers          = 8
)

// Config holds the peer configuration, loaded from a YAML file.
type Config struct {
	PlayerName string `yaml:"playerName"`

	// Interface optionally pins announcing and address advertisement to a
	// single interface IP. Empty means auto-select.
	Interface string `yaml:"interface"`

	DiscoveryPort int `yaml:"discoveryPort"`
	MeshPort      int `yaml:"meshPort"`

	AnnounceIntervalMs  int `yaml:"announceIntervalMs"`
	RoomTimeoutMs       int `yaml:"roomTimeoutMs"`
	ProgressIntervalMs  int `yaml:"progressIntervalMs"`
	CountdownSeconds    int `yaml:"countdownSeconds"`
	ReadyCheckTimeoutMs int `yaml:"readyCheckTimeoutMs"`
	ConnectTimeoutMs    int `yaml:"connectTimeoutMs"`

	MaxPlayers int `yaml:"maxPlayers"`
}

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	return &Config{
		PlayerName:          "player",
		DiscoveryPort:       DefaultDiscoveryPort,
		MeshPort:            DefaultMeshPort,
		AnnounceIntervalMs:  DefaultAnnounceIntervalMs,
		RoomTimeoutMs:       DefaultRoomTimeoutMs,
		ProgressIntervalMs:  DefaultProgressIntervalMs,
		CountdownSeconds:    DefaultCountdownSeconds,
		ReadyCheckTimeoutMs: DefaultReadyCheckTimeoutMs,
		ConnectTimeoutMs:    DefaultConnectTimeoutMs,
		MaxPlayers:          DefaultMaxPlayers,
	}
}

func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceIntervalMs) * time.Millisecond
}

func (c *Config) RoomTimeout() time.Duration {
	return time.Duration(c.RoomTimeoutMs) * time.Millisecond
}

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

func (c *Config) ReadyCheckTimeout() time.Duration {
	return time.Duration(c.ReadyCheckTimeoutMs) * time.Millisecond
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// applyDefaults fills zero-valued fields so partial config files work.
func (c *Config) applyDefaults() {
	d := Default()
	if c.PlayerName == "" {
		c.PlayerName = d.PlayerName
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = d.DiscoveryPort
	}
	if c.MeshPort == 0 {
		c.MeshPort = d.MeshPort
	}
	if c.AnnounceIntervalMs == 0 {
		c.AnnounceIntervalMs = d.AnnounceIntervalMs
	}
	if c.RoomTimeoutMs == 0 {
		c.RoomTimeoutMs = d.RoomTimeoutMs
	}
	if c.ProgressIntervalMs == 0 {
		c.ProgressIntervalMs = d.ProgressIntervalMs
	}
	if c.CountdownSeconds == 0 {
		c.CountdownSeconds = d.CountdownSeconds
	}
	if c.ReadyCheckTimeoutMs == 0 {
		c.ReadyCheckTimeoutMs = d.ReadyCheckTimeoutMs
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = d.ConnectTimeoutMs
	}
	if c.MaxPlayers == 0 {
		c.MaxPlayers = d.MaxPlayers
	}
}

// validate performs comprehensive validation of the loaded configuration.
func (c *Config) validate() error {
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discoveryPort %d is out of range", c.DiscoveryPort)
	}
	if c.MeshPort < 1 || c.MeshPort > 65535 {
		return fmt.Errorf("meshPort %d is out of range", c.MeshPort)
	}
	if c.DiscoveryPort == c.MeshPort {
		return fmt.Errorf("discoveryPort and meshPort must differ")
	}
	if c.AnnounceIntervalMs <= 0 {
		return fmt.Errorf("announceIntervalMs must be positive")
	}
	if c.RoomTimeoutMs <= c.AnnounceIntervalMs {
		return fmt.Errorf("roomTimeoutMs must exceed announceIntervalMs, otherwise healthy rooms expire between announces")
	}
	if c.ProgressIntervalMs <= 0 {
		return fmt.Errorf("progressIntervalMs must be positive")
	}
	if c.CountdownSeconds <= 0 {
		return fmt.Errorf("countdownSeconds must be positive")
	}
	if c.ReadyCheckTimeoutMs <= 0 {
		return fmt.Errorf("readyCheckTimeoutMs must be positive")
	}
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("connectTimeoutMs must be positive")
	}
	if c.MaxPlayers < 2 {
		return fmt.Errorf("maxPlayers must be at least 2")
	}
	return nil
}

// LoadConfig reads the configuration from the given file path, unmarshals
// it, fills defaults and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
