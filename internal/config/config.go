// Package config handles CLASP router configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/clasp/internal/clasplog"
)

// searchPathsFunc is a seam for tests; production code always calls
// DefaultSearchPaths.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An
// explicit path (from -config) is checked first by FindConfig; this
// order applies when none is given: ./config.yaml,
// ~/.config/clasp/config.yaml, then the container/system locations.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "clasp", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/clasp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all router configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Transports TransportsConfig `yaml:"transports"`
	Control    ControlConfig    `yaml:"control"`
	Bridges    []BridgeConfig   `yaml:"bridges"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the primary (WebSocket) listener.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address, "" = all interfaces
	Port    int    `yaml:"port"`
}

// DiscoveryConfig controls mDNS advertisement and the UDP broadcast
// probe/reply fallback.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	UDPPort int  `yaml:"udp_port"`
}

// TransportsConfig toggles each transport front-end, the WebSocket
// listener included: it is started only when WebSocket is true.
// Default sets it; a loaded file that omits it leaves it off.
type TransportsConfig struct {
	WebSocket bool `yaml:"websocket"`
	TCP       bool `yaml:"tcp"`
	UDP       bool `yaml:"udp"`
	QUIC      bool `yaml:"quic"`
}

// ControlConfig configures the administrative control surface.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConnectURI string `yaml:"connect_uri"` // advertised for the "qr" command; empty disables it
}

// BridgeConfig is one statically-configured bridge, created at
// startup exactly as if a control-surface create_bridge command had
// been sent for it.
type BridgeConfig struct {
	ID     string                 `yaml:"id"`
	Kind   string                 `yaml:"kind"`
	Config map[string]interface{} `yaml:"config"`
}

// Running reports whether the control surface has enough
// configuration to start.
func (c ControlConfig) Running() bool { return c.Enabled }

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/zero checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${CLASP_DATA_DIR}). A
	// convenience for container deployments; putting values directly
	// in the file is still the recommended approach.
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

// applyDefaults fills zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 7330
	}
	if c.Discovery.UDPPort == 0 {
		c.Discovery.UDPPort = 7331
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	for i := range c.Bridges {
		if c.Bridges[i].ID == "" {
			c.Bridges[i].ID = fmt.Sprintf("bridge-%d", i)
		}
	}
}

// Validate checks that the configuration is internally consistent.
// Runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Discovery.Enabled && (c.Discovery.UDPPort < 1 || c.Discovery.UDPPort > 65535) {
		return fmt.Errorf("discovery.udp_port %d out of range (1-65535)", c.Discovery.UDPPort)
	}
	if c.LogLevel != "" {
		if _, err := clasplog.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Bridges))
	for _, b := range c.Bridges {
		if b.Kind == "" {
			return fmt.Errorf("bridges: entry %q missing kind", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("bridges: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: WebSocket on 7330, discovery on, everything else off.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Discovery:  DiscoveryConfig{Enabled: true},
		Transports: TransportsConfig{WebSocket: true},
		LogLevel:   "info",
	}
	cfg.applyDefaults()
	return cfg
}
