// Package config handles meshbot configuration loading. The TOML file
// format and the command-line wrapper that points at it are external
// collaborators (spec.md §1); this package only owns the struct surface
// enumerated in spec.md §6 and a thin loader over it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig; this list
// is the fallback order.
func DefaultSearchPaths() []string {
	paths := []string{"meshbot.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshbot", "meshbot.toml"))
	}
	paths = append(paths, "/etc/meshbot/meshbot.toml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise DefaultSearchPaths is searched in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the full configuration surface enumerated in spec.md §6.
type Config struct {
	Connection      ConnectionConfig        `toml:"connection"`
	Bot             BotConfig               `toml:"bot"`
	Welcome         WelcomeConfig           `toml:"welcome"`
	Weather         WeatherConfig           `toml:"weather"`
	Modules         map[string]ModuleConfig `toml:"modules"`
	TracerouteProbe TracerouteProbeConfig   `toml:"traceroute_probe"`
	Dashboard       DashboardConfig         `toml:"dashboard"`
	Bridges         map[string]BridgeConfig `toml:"bridge"`
	LogLevel        string                  `toml:"log_level"`
}

// ConnectionConfig configures the TCP link to the attached mesh node.
type ConnectionConfig struct {
	Address           string `toml:"address"`
	ReconnectDelaySec int    `toml:"reconnect_delay_secs"`
}

// ReconnectDelay returns the configured delay, defaulting to 10s.
func (c ConnectionConfig) ReconnectDelay() time.Duration {
	if c.ReconnectDelaySec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// BotConfig configures the core dispatch/queue/persistence behavior.
type BotConfig struct {
	Name               string `toml:"name"`
	DBPath             string `toml:"db_path"`
	CommandPrefix      string `toml:"command_prefix"`
	RateLimitCommands  int    `toml:"rate_limit_commands"`
	RateLimitWindowSec int    `toml:"rate_limit_window_secs"`
	SendDelayMS        int    `toml:"send_delay_ms"`
}

// SendDelay returns the configured outgoing pacing interval, defaulting
// to the spec's 1500ms.
func (c BotConfig) SendDelay() time.Duration {
	if c.SendDelayMS <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.SendDelayMS) * time.Millisecond
}

// RateLimitWindow returns the sliding window duration, defaulting to 60s.
func (c BotConfig) RateLimitWindow() time.Duration {
	if c.RateLimitWindowSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

// Prefix returns the configured command prefix, defaulting to "!".
func (c BotConfig) Prefix() string {
	if c.CommandPrefix == "" {
		return "!"
	}
	return c.CommandPrefix
}

// WelcomeConfig configures the welcome module (out of core scope; see
// internal/modules for the reference implementation that exercises it).
type WelcomeConfig struct {
	Enabled               bool     `toml:"enabled"`
	Message               string   `toml:"message"`
	WelcomeBackMessage    string   `toml:"welcome_back_message"`
	AbsenceThresholdHours int      `toml:"absence_threshold_hours"`
	Whitelist             []string `toml:"whitelist"`
}

// AbsenceThreshold returns the welcome-back absence threshold,
// defaulting to 24h.
func (c WelcomeConfig) AbsenceThreshold() time.Duration {
	if c.AbsenceThresholdHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.AbsenceThresholdHours) * time.Hour
}

// WeatherConfig configures the (external) weather module's location.
type WeatherConfig struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
	Units     string  `toml:"units"` // metric | imperial
}

// ModuleScope constrains where a module's commands are accepted from.
type ModuleScope string

const (
	ScopePublic ModuleScope = "public"
	ScopeDM     ModuleScope = "dm"
	ScopeBoth   ModuleScope = "both"
)

// ModuleConfig is the per-module [modules.<name>] block.
type ModuleConfig struct {
	Enabled bool        `toml:"enabled"`
	Scope   ModuleScope `toml:"scope"`
}

// TracerouteProbeConfig configures the auto-probe (spec.md §4.4).
type TracerouteProbeConfig struct {
	Enabled             bool `toml:"enabled"`
	IntervalSec         int  `toml:"interval_secs"`
	IntervalJitterPct   int  `toml:"interval_jitter_pct"`
	RecentSeenWithinSec int  `toml:"recent_seen_within_secs"`
	PerNodeCooldownSec  int  `toml:"per_node_cooldown_secs"`
	MeshChannel         int  `toml:"mesh_channel"`
}

// Interval returns the base probe interval, defaulting to 15 minutes.
func (c TracerouteProbeConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.IntervalSec) * time.Second
}

// JitterPct returns the jitter percentage, defaulting to 20.
func (c TracerouteProbeConfig) JitterPct() int {
	if c.IntervalJitterPct <= 0 {
		return 20
	}
	return c.IntervalJitterPct
}

// RecentSeenWithin returns the candidate recency window, defaulting to 24h.
func (c TracerouteProbeConfig) RecentSeenWithin() time.Duration {
	if c.RecentSeenWithinSec <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RecentSeenWithinSec) * time.Second
}

// PerNodeCooldown returns the per-node cooldown, defaulting to 6h.
func (c TracerouteProbeConfig) PerNodeCooldown() time.Duration {
	if c.PerNodeCooldownSec <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.PerNodeCooldownSec) * time.Second
}

// DashboardConfig configures the (external) HTTP dashboard's bind point.
type DashboardConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

// BridgeDirection constrains which way a bridge relays text.
type BridgeDirection string

const (
	DirectionBoth       BridgeDirection = "both"
	DirectionToExternal BridgeDirection = "to_external"
	DirectionToMesh     BridgeDirection = "to_mesh"
)

// BridgeConfig is the per-platform [bridge.<platform>] block.
type BridgeConfig struct {
	Enabled     bool            `toml:"enabled"`
	Credentials string          `toml:"credentials"`
	ChatID      string          `toml:"chat_id"`
	MeshChannel int             `toml:"mesh_channel"`
	Direction   BridgeDirection `toml:"direction"`
	Format      string          `toml:"format"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save serializes cfg as TOML to path, creating parent directories as
// needed. Used by round-trip tests and by operators persisting
// programmatic edits.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
