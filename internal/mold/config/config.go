// Package config loads and validates the YAML stream-set configuration file
// and, optionally, watches it for changes so the daemon can hot-reload
// stream definitions without a restart.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alxayo/moldpublisher/internal/mold/recoverybuf"
	"github.com/alxayo/moldpublisher/internal/mold/registry"
)

// StreamDef is one stream's YAML definition. Field names mirror
// SPEC_FULL.md's "recognised configuration options" list.
type StreamDef struct {
	Name string `yaml:"name"`

	MulticastGroup  string `yaml:"multicast_group"` // "239.1.1.1:12345"
	RecoveryAddr    string `yaml:"recovery_addr"`    // "0.0.0.0:13000"
	SourceIP        string `yaml:"source_ip"`
	SourceInterface string `yaml:"source_interface"`
	TTL             int    `yaml:"ttl"`
	Loopback        bool   `yaml:"loopback"`

	LogPath             string `yaml:"log_path"`
	MTU                 int    `yaml:"mtu"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	CoalesceCountLimit  int    `yaml:"coalesce_count_limit"`
	CoalesceIdleUs      int    `yaml:"coalesce_idle_us"`

	RecoveryBufferCapacity  int     `yaml:"recovery_buffer_capacity"`
	RecoveryRateLimitPerSec float64 `yaml:"recovery_rate_limit_per_sec"`
	RecoveryRateLimitBurst  int     `yaml:"recovery_rate_limit_burst"`

	ArchiveDir                  string `yaml:"archive_dir"`
	ArchiveSchedule             string `yaml:"archive_schedule"`
	ArchiveRateLimitBytesPerSec int64  `yaml:"archive_rate_limit_bytes_per_sec"`
}

// FileConfig is the top-level shape of the stream-set YAML document.
type FileConfig struct {
	Streams []StreamDef `yaml:"streams"`
}

// Load reads, parses and validates path, applying the documented defaults to
// any field the operator left unset.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stream config: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing stream config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating stream config: %w", err)
	}
	return &cfg, nil
}

func (c *FileConfig) validate() error {
	seen := make(map[string]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("streams[%d]: duplicate stream name %q", i, s.Name)
		}
		seen[s.Name] = true

		if s.MulticastGroup == "" {
			return fmt.Errorf("streams[%d] (%s): multicast_group is required", i, s.Name)
		}
		if s.RecoveryAddr == "" {
			return fmt.Errorf("streams[%d] (%s): recovery_addr is required", i, s.Name)
		}
		if s.LogPath == "" {
			return fmt.Errorf("streams[%d] (%s): log_path is required", i, s.Name)
		}

		if s.MTU == 0 {
			s.MTU = 1400
		}
		if s.HeartbeatIntervalMs == 0 {
			s.HeartbeatIntervalMs = 1000
		}
		if s.CoalesceCountLimit == 0 {
			s.CoalesceCountLimit = 64
		}
		if s.CoalesceIdleUs == 0 {
			s.CoalesceIdleUs = 1000
		}
		if s.RecoveryBufferCapacity == 0 {
			s.RecoveryBufferCapacity = recoverybuf.DefaultCapacity
		}
		if s.RecoveryRateLimitPerSec == 0 {
			s.RecoveryRateLimitPerSec = 50
		}
		if s.RecoveryRateLimitBurst == 0 {
			s.RecoveryRateLimitBurst = 100
		}
		if s.TTL == 0 {
			s.TTL = 1
		}
	}
	return nil
}

// ToStreamConfig resolves the addresses and interface named in def and
// builds the registry.StreamConfig the daemon hands to Registry.CreateStream.
func ToStreamConfig(def StreamDef) (registry.StreamConfig, error) {
	group, err := net.ResolveUDPAddr("udp4", def.MulticastGroup)
	if err != nil {
		return registry.StreamConfig{}, fmt.Errorf("stream %s: resolve multicast_group: %w", def.Name, err)
	}
	recoveryAddr, err := net.ResolveUDPAddr("udp4", def.RecoveryAddr)
	if err != nil {
		return registry.StreamConfig{}, fmt.Errorf("stream %s: resolve recovery_addr: %w", def.Name, err)
	}

	var iface *net.Interface
	if def.SourceInterface != "" {
		iface, err = net.InterfaceByName(def.SourceInterface)
		if err != nil {
			return registry.StreamConfig{}, fmt.Errorf("stream %s: source_interface: %w", def.Name, err)
		}
	}

	var sourceIP net.IP
	if def.SourceIP != "" {
		sourceIP = net.ParseIP(def.SourceIP)
		if sourceIP == nil {
			return registry.StreamConfig{}, fmt.Errorf("stream %s: source_ip: invalid IP %q", def.Name, def.SourceIP)
		}
	}

	return registry.StreamConfig{
		Name:                    def.Name,
		GroupAddr:               group,
		RecoveryAddr:            recoveryAddr,
		SourceInterface:         iface,
		SourceIP:                sourceIP,
		TTL:                     def.TTL,
		Loopback:                def.Loopback,
		LogPath:                 def.LogPath,
		MTU:                     def.MTU,
		HeartbeatInterval:       time.Duration(def.HeartbeatIntervalMs) * time.Millisecond,
		CoalesceCountLimit:      def.CoalesceCountLimit,
		CoalesceIdle:            time.Duration(def.CoalesceIdleUs) * time.Microsecond,
		RecoveryBufferCapacity:  def.RecoveryBufferCapacity,
		RecoveryRateLimitPerSec: def.RecoveryRateLimitPerSec,
		RecoveryRateLimitBurst:  def.RecoveryRateLimitBurst,
	}, nil
}
