// Package config loads the operator-tunable parts of a sacncore deployment
// from a TOML file: fixed wire timers (T_loss, T_sample, T_discovery) stay Go
// constants in the sacn package, but everything a deployment legitimately
// wants to override at startup lives here.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/patchlab/sacncore/sacn"
)

// Config is the top-level sacnd configuration file shape.
type Config struct {
	Network        NetworkConfig        `toml:"network"`
	Receivers      []ReceiverConfig     `toml:"receiver"`
	Sources        []SourceConfig       `toml:"source"`
	SourceDetector SourceDetectorConfig `toml:"source_detector"`
	Metrics        MetricsConfig        `toml:"metrics"`
}

// NetworkConfig controls the shared socket plane.
type NetworkConfig struct {
	BindPolicy   string   `toml:"bind_policy"`   // "all", "limited", or "" for platform default
	IPVersion    string   `toml:"ip_version"`    // "v4", "v6", or "both" (default)
	Interfaces   []string `toml:"interfaces"`    // empty = every multicast-capable interface
	ReadTimeoutMS int     `toml:"read_timeout_ms"`
	WaitMS        int     `toml:"wait_ms"` // T_wait override for network-data-loss grace
}

// ReceiverConfig describes one universe to receive, merged or raw.
type ReceiverConfig struct {
	Universe       uint16 `toml:"universe"`
	Merge          bool   `toml:"merge"`
	PreviewFilter  bool   `toml:"preview_filter"`
	SourceCountMax int    `toml:"source_count_max"`
	UsePAP         bool   `toml:"use_pap"`
}

// SourceConfig describes one transmitted universe.
type SourceConfig struct {
	Name             string   `toml:"name"`
	Universe         uint16   `toml:"universe"`
	Priority         uint8    `toml:"priority"`
	Preview          bool     `toml:"preview"`
	UnicastDests     []string `toml:"unicast_destinations"`
	UnicastOnly      bool     `toml:"unicast_only"`
	KeepAliveMS      int      `toml:"keep_alive_ms"`
	KeepAlivePAPMS   int      `toml:"keep_alive_pap_ms"`
}

// SourceDetectorConfig controls the optional process-wide Universe Discovery
// listener. It is disabled unless explicitly enabled, since most deployments
// only need raw or merged reception and have no use for the full discovered
// source/universe census.
type SourceDetectorConfig struct {
	Enabled          bool `toml:"enabled"`
	SourceCountMax   int  `toml:"source_count_max"`
	UniverseCountMax int  `toml:"universe_count_max"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"` // e.g. ":9110"; empty disables metrics
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for i := range cfg.Receivers {
		r := &cfg.Receivers[i]
		if !sacn.IsValidUniverse(r.Universe) {
			return nil, fmt.Errorf("receiver %d: invalid universe %d", i, r.Universe)
		}
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if !sacn.IsValidUniverse(s.Universe) {
			return nil, fmt.Errorf("source %d: invalid universe %d", i, s.Universe)
		}
		if !sacn.IsValidPriority(s.Priority) {
			return nil, fmt.Errorf("source %d: invalid priority %d", i, s.Priority)
		}
		if s.Priority == 0 {
			s.Priority = 100
		}
	}

	return &cfg, nil
}

// BindPolicyOrDefault resolves the configured bind policy, falling back to the
// platform default when unset or unrecognized.
func (n NetworkConfig) BindPolicyOrDefault(goos string) sacn.BindPolicy {
	switch n.BindPolicy {
	case "all":
		return sacn.BindAll
	case "limited":
		return sacn.BindLimited
	default:
		return sacn.DefaultBindPolicy(goos)
	}
}

// IPVersionOrDefault resolves the configured IP version, defaulting to
// IPv4AndIPv6.
func (n NetworkConfig) IPVersionOrDefault() sacn.IPVersion {
	switch n.IPVersion {
	case "v4":
		return sacn.IPv4Only
	case "v6":
		return sacn.IPv6Only
	default:
		return sacn.IPv4AndIPv6
	}
}

// ReadTimeout resolves the configured per-socket read deadline.
func (n NetworkConfig) ReadTimeout() time.Duration {
	if n.ReadTimeoutMS <= 0 {
		return sacn.DefaultTRead
	}
	return time.Duration(n.ReadTimeoutMS) * time.Millisecond
}

// Wait resolves the configured network-data-loss grace period.
func (n NetworkConfig) Wait() time.Duration {
	if n.WaitMS <= 0 {
		return sacn.DefaultTWait
	}
	return time.Duration(n.WaitMS) * time.Millisecond
}

// KeepAlive resolves the configured DMX keep-alive interval.
func (s SourceConfig) KeepAlive() time.Duration {
	if s.KeepAliveMS <= 0 {
		return sacn.DefaultTKeepAlive
	}
	return time.Duration(s.KeepAliveMS) * time.Millisecond
}

// KeepAlivePAP resolves the configured PAP keep-alive interval.
func (s SourceConfig) KeepAlivePAP() time.Duration {
	if s.KeepAlivePAPMS <= 0 {
		return sacn.DefaultTKeepAlivePAP
	}
	return time.Duration(s.KeepAlivePAPMS) * time.Millisecond
}
