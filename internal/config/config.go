// Package config loads node and relay configuration from YAML files with
// sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Node configures the chiral node daemon.
type Node struct {
	DataDir      string `yaml:"data_dir"`
	ListenPort   int    `yaml:"listen_port"`
	IdentityFile string `yaml:"identity_file"`
	// IdentitySecret derives a deterministic identity when set.
	IdentitySecret string `yaml:"identity_secret"`

	BootstrapNodes []string `yaml:"bootstrap_nodes"`
	DnsaddrDomains []string `yaml:"dnsaddr_domains"`

	EnableMDNS        bool     `yaml:"enable_mdns"`
	EnableAutoNAT     bool     `yaml:"enable_autonat"`
	PreferredRelays   []string `yaml:"preferred_relays"`
	BootstrapOnly     bool     `yaml:"bootstrap_only"`
	AllowLANWarmstart bool     `yaml:"allow_lan_warmstart"`

	RPCEndpoint string `yaml:"rpc_endpoint"`
	ChainID     uint64 `yaml:"chain_id"`

	DownloadDir string `yaml:"download_dir"`
	LogLevel    string `yaml:"log_level"`
}

// Relay configures the chiral relay daemon.
type Relay struct {
	DataDir      string `yaml:"data_dir"`
	ListenPort   int    `yaml:"listen_port"`
	HTTPPort     int    `yaml:"http_port"`
	IdentityFile string `yaml:"identity_file"`
	// IdentitySecret keeps the relay's peer ID stable across restarts.
	IdentitySecret string `yaml:"identity_secret"`

	// Alias shows up in the relay's identify agent string. Any printable
	// UTF-8, emoji included.
	Alias string `yaml:"alias"`

	MaxReservations    int   `yaml:"max_reservations"`
	MaxCircuitsPerPeer int   `yaml:"max_circuits_per_peer"`
	MaxCircuitBytes    int64 `yaml:"max_circuit_bytes"`
	MaxCircuitMinutes  int   `yaml:"max_circuit_minutes"`

	LogLevel string `yaml:"log_level"`
}

// DefaultNode returns node defaults rooted under the user data directory.
func DefaultNode() Node {
	return Node{
		DataDir:       defaultDataDir(),
		ListenPort:    4001,
		EnableMDNS:    true,
		EnableAutoNAT: true,
		RPCEndpoint:   "http://127.0.0.1:8545",
		ChainID:       98765,
		LogLevel:      "info",
	}
}

// minCircuitBytes is the hard lower bound for a relay's per-circuit byte
// cap: anything smaller cannot carry even a handful of chunks.
const minCircuitBytes = 1 << 20

// DefaultRelay returns relay defaults.
func DefaultRelay() Relay {
	return Relay{
		DataDir:            defaultDataDir(),
		ListenPort:         4002,
		HTTPPort:           8080,
		MaxReservations:    256,
		MaxCircuitsPerPeer: 16,
		MaxCircuitBytes:    128 << 20,
		MaxCircuitMinutes:  30,
		LogLevel:           "info",
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".chiral"
	}
	return filepath.Join(base, "chiral-network")
}

// LoadNode reads a node config, applying defaults for absent fields. An
// empty path returns pure defaults.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRelay reads a relay config, applying defaults and clamping the
// per-circuit byte cap to its hard lower bound.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.MaxCircuitBytes < minCircuitBytes {
		cfg.MaxCircuitBytes = minCircuitBytes
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
