package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/chirp/internal/transport"
)

// NodeConfig configures the chirpnode hub.
type NodeConfig struct {
	Address        string
	Port           int
	Identification string
	// Timeout bounds handshakes and detects dead peers on accepted links.
	Timeout  time.Duration
	LogLevel string
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Address:        "0.0.0.0",
		Port:           10000,
		Identification: "chirpnode",
		Timeout:        3 * time.Second,
		LogLevel:       "info",
	}
}

type nodeFileConfig struct {
	Address        string `toml:"address"`
	Port           int    `toml:"port"`
	Identification string `toml:"identification"`
	Timeout        string `toml:"timeout"`
	TimeoutMS      int64  `toml:"timeout_ms"`
	LogLevel       string `toml:"log_level"`
}

// LoadNodeConfig overlays the keys present in a TOML file on the defaults.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw nodeFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("identification") {
		cfg.Identification = raw.Identification
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return NodeConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("node config has unknown keys: %v", undecoded)
	}

	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("node config missing address")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("node config port out of range: %d", cfg.Port)
	}
	if len(cfg.Identification) > transport.MaxRemoteIdentification {
		return fmt.Errorf("node config identification longer than %d bytes", transport.MaxRemoteIdentification)
	}
	return nil
}
