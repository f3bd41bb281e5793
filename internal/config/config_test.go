package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNodeDefaults(t *testing.T) {
	cfg, err := LoadNode("")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if cfg.ListenPort != 4001 || !cfg.EnableMDNS || cfg.ChainID == 0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadNodeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := `
listen_port: 4444
enable_mdns: false
bootstrap_nodes:
  - /ip4/203.0.113.5/tcp/4001/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN
rpc_endpoint: http://10.0.0.2:8545
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if cfg.ListenPort != 4444 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.EnableMDNS {
		t.Error("EnableMDNS not overridden")
	}
	if len(cfg.BootstrapNodes) != 1 {
		t.Errorf("BootstrapNodes = %v", cfg.BootstrapNodes)
	}
	// Unset fields keep their defaults.
	if cfg.ChainID != 98765 {
		t.Errorf("ChainID default lost: %d", cfg.ChainID)
	}
}

func TestLoadRelayClampsCircuitBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("max_circuit_bytes: 1024\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay failed: %v", err)
	}
	if cfg.MaxCircuitBytes != minCircuitBytes {
		t.Errorf("MaxCircuitBytes = %d, want clamped to %d", cfg.MaxCircuitBytes, minCircuitBytes)
	}
}

func TestLoadRelayAliasUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("alias: \"🛰️ chiral relay münchen\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay failed: %v", err)
	}
	if cfg.Alias != "🛰️ chiral relay münchen" {
		t.Errorf("Alias = %q", cfg.Alias)
	}
}

func TestLoadNodeMissingFile(t *testing.T) {
	if _, err := LoadNode("/does/not/exist.yaml"); err == nil {
		t.Error("missing config file did not error")
	}
}
