// Package config loads the agent's bootstrap configuration from a YAML file
// and environment variables, with defaults matching spec.md §6's
// "Environment variables" table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's static bootstrap configuration. Unlike
// model.DesiredConfig (fetched dynamically from the control plane), this is
// read once at startup.
type Config struct {
	NodeName string `yaml:"node_name"`

	ControlPlaneURL   string `yaml:"control_plane_url"`
	ControlPlaneToken string `yaml:"control_plane_token"`

	SyncInterval      time.Duration `yaml:"sync_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	StatePath string `yaml:"state_path"`

	APIHost  string `yaml:"api_host"`
	APIPort  int    `yaml:"api_port"`
	APIToken string `yaml:"api_token"`

	RoutingCfgDir string `yaml:"routing_cfg_dir"`
	TunnelCfgDir  string `yaml:"tunnel_cfg_dir"`
	BirdCtlSocket string `yaml:"bird_ctl_socket"`

	OverlayIPv4Prefix string `yaml:"overlay_ipv4_prefix"`
	OverlayIPv6Prefix string `yaml:"overlay_ipv6_prefix"`

	ProbeEnabled  bool          `yaml:"probe_enabled"`
	ProbeInterval time.Duration `yaml:"probe_interval"`

	LogFormat string `yaml:"log_format"`

	// MeshPrivateKey is this node's own WireGuard private key for its mesh
	// (iBGP/IGP) tunnels, shared across every mesh peer interface (spec.md
	// §4.2) — distinct from EBGPPrivateKey below, the single node-wide key
	// used for every eBGP peer tunnel.
	MeshPrivateKey string `yaml:"mesh_private_key"`

	// EBGPPrivateKeyPath is where this node's own WireGuard private key for
	// its eBGP peer tunnels is persisted. Unlike MeshPrivateKey it is not
	// supplied directly by configuration: it is loaded from this path at
	// startup, or generated and written here on first run (internal/keymgmt),
	// matching the original agent's private.key load-or-create behavior.
	// EBGPPrivateKey holds the resolved key material once loaded; it is
	// never read from YAML/env.
	EBGPPrivateKeyPath string `yaml:"ebgp_private_key_path"`
	EBGPPrivateKey     string `yaml:"-"`

	// NetworkNamespace, when non-empty, names a kernel network namespace
	// that the kernel-mutating operations (loopback setup, firewall rules,
	// tunnel interfaces) run inside of, instead of the caller's default
	// namespace. Empty means "no namespace switch" (spec.md §6 default
	// deployment: agent and overlay share one namespace).
	NetworkNamespace string `yaml:"network_namespace"`
}

// Default returns a Config populated with the defaults named across
// spec.md (30s heartbeat, 60s sync, 2s coalesce delay lives in routingd,
// 300s probe interval, /var/lib state path, etc).
func Default() Config {
	return Config{
		SyncInterval:       60 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		StatePath:          "/var/lib/fabric-agent/last_state.json",
		EBGPPrivateKeyPath: "/var/lib/fabric-agent/ebgp_private_key",
		APIHost:            "127.0.0.1",
		APIPort:            8080,
		RoutingCfgDir:      "/etc/bird",
		TunnelCfgDir:       "/etc/fabric-agent/tunnels",
		BirdCtlSocket:      "/var/run/bird/bird.ctl",
		OverlayIPv4Prefix:  "172.22.188.0/26",
		OverlayIPv6Prefix:  "fd00:4242:7777::/48",
		ProbeEnabled:       true,
		ProbeInterval:      300 * time.Second,
		LogFormat:          "json",
	}
}

// Load reads a YAML file at path (if non-empty and present), applies
// defaults for unset fields, then overlays environment variables per
// spec.md §6. path is typically AGENT_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayFromEnv(&cfg)
	return cfg, nil
}

func overlayFromEnv(cfg *Config) {
	if v := os.Getenv("CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlaneURL = v
	}
	if v := os.Getenv("CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlaneToken = v
	}
	if v := os.Getenv("NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SyncInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("NETWORK_NAMESPACE"); v != "" {
		cfg.NetworkNamespace = v
	}
	if v := os.Getenv("MESH_PRIVATE_KEY"); v != "" {
		cfg.MeshPrivateKey = v
	}
	if v := os.Getenv("EBGP_PRIVATE_KEY_PATH"); v != "" {
		cfg.EBGPPrivateKeyPath = v
	}
}

// Validate enforces the ConfigurationFatal conditions from spec.md §7 that
// are knowable before node identity is established.
func (c Config) Validate() error {
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("config: control_plane_url is required")
	}
	if c.ControlPlaneToken == "" {
		return fmt.Errorf("config: control_plane_token is required")
	}
	if c.NodeName == "" {
		return fmt.Errorf("config: node_name is required")
	}
	return nil
}
