package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML deployment profile. Zero values leave the defaults in place.
type Profile struct {
	Name     string `yaml:"name"`
	Instance struct {
		Address string   `yaml:"address"`
		Aliases []string `yaml:"aliases,omitempty"`
		Scheme  string   `yaml:"scheme,omitempty"`
		KeyFile string   `yaml:"key_file,omitempty"`
	} `yaml:"instance"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
	Queue struct {
		Workers         int    `yaml:"workers"`
		Size            int    `yaml:"size"`
		StaleWrapperAge string `yaml:"stale_wrapper_age"`
	} `yaml:"queue"`
	RemoteTimeout string           `yaml:"remote_timeout"`
	Networking    NetworkingConfig `yaml:"networking"`
}

// NetworkingConfig controls which remote instances may be contacted.
type NetworkingConfig struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	IslandMode   bool     `yaml:"island_mode" json:"island_mode"`
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &profile, nil
}

func (p *Profile) apply(cfg *Config) {
	if p.Instance.Address != "" {
		cfg.LocalInstance = p.Instance.Address
	}
	if len(p.Instance.Aliases) > 0 {
		cfg.LocalAliases = p.Instance.Aliases
	}
	if p.Instance.Scheme != "" {
		cfg.FrontalScheme = p.Instance.Scheme
	}
	if p.Instance.KeyFile != "" {
		cfg.KeyFile = p.Instance.KeyFile
	}
	if p.Database.Driver != "" {
		cfg.DatabaseDriver = p.Database.Driver
	}
	if p.Database.URL != "" {
		cfg.DatabaseURL = p.Database.URL
	}
	if p.Redis.Addr != "" {
		cfg.RedisAddr = p.Redis.Addr
		cfg.RedisDB = p.Redis.DB
	}
	if p.Queue.Workers > 0 {
		cfg.Workers = p.Queue.Workers
	}
	if p.Queue.Size > 0 {
		cfg.QueueSize = p.Queue.Size
	}
	if d, err := time.ParseDuration(p.Queue.StaleWrapperAge); err == nil {
		cfg.StaleWrapperAge = d
	}
	if d, err := time.ParseDuration(p.RemoteTimeout); err == nil {
		cfg.RemoteTimeout = d
	}
	cfg.Networking = p.Networking
}

// IsIslandMode returns true if outbound federation is disabled entirely.
func (n NetworkingConfig) IsIslandMode() bool {
	return n.IslandMode || n.OutboundMode == "island"
}

// IsAllowed checks if a remote instance may be contacted.
func (n NetworkingConfig) IsAllowed(instance string) bool {
	if n.IsIslandMode() {
		return false
	}

	instance = strings.ToLower(instance)
	switch n.OutboundMode {
	case "allowlist":
		for _, h := range n.Allowlist {
			if strings.ToLower(h) == instance {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range n.Denylist {
			if strings.ToLower(h) == instance {
				return false
			}
		}
		return true
	default:
		return true
	}
}
