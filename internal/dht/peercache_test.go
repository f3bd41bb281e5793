package dht

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNamespaceKeyStability(t *testing.T) {
	a := "/ip4/203.0.113.5/tcp/4001/p2p/" + peerA
	b := "/ip4/203.0.113.6/tcp/4001/p2p/" + peerB

	k1 := ComputeNamespaceKey([]string{a, b}, 4001, 0, false)
	k2 := ComputeNamespaceKey([]string{"  " + b + " ", a}, 4001, 0, false)
	if k1 != k2 {
		t.Error("namespace key changed under reordering/whitespace")
	}
	if len(k1) != 32 {
		t.Errorf("key %q has length %d, want 32 hex chars", k1, len(k1))
	}

	if ComputeNamespaceKey([]string{a}, 4001, 0, false) == k1 {
		t.Error("different bootstrap sets share a namespace key")
	}
	if ComputeNamespaceKey([]string{a, b}, 4002, 0, false) == k1 {
		t.Error("different ports share a namespace key")
	}
	if ComputeNamespaceKey([]string{a, b}, 4001, 7, true) == k1 {
		t.Error("chain-id salt did not change the key")
	}
}

func TestPeerCachePersistence(t *testing.T) {
	dir := t.TempDir()
	boot := []string{"/ip4/203.0.113.5/tcp/4001/p2p/" + peerA}

	pc, err := OpenPeerCache(dir, boot, 4001, 0, false)
	if err != nil {
		t.Fatalf("OpenPeerCache failed: %v", err)
	}
	pc.Remember(peerB, []string{"/ip4/198.51.100.7/tcp/4001/p2p/" + peerB})
	pc.RecordSuccessfulConnect(peerB)
	if err := pc.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	again, err := OpenPeerCache(dir, boot, 4001, 0, false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if len(again.Peers) != 1 || again.Peers[0].PeerID != peerB {
		t.Errorf("reopened peers = %+v", again.Peers)
	}
	if again.LastSuccessfulConnectAt[peerB] == 0 {
		t.Error("successful-connect timestamp lost")
	}
}

func TestLegacyCacheMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := map[string]interface{}{
		"peers": []CacheEntry{{
			PeerID:    peerA,
			Addresses: []string{"/ip4/203.0.113.5/tcp/4001/p2p/" + peerA},
			LastSeen:  1_700_000_000,
		}},
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(filepath.Join(dir, "peer_cache.json"), data, 0644); err != nil {
		t.Fatalf("failed to write legacy cache: %v", err)
	}

	pc, err := OpenPeerCache(dir, nil, 4001, 0, false)
	if err != nil {
		t.Fatalf("OpenPeerCache failed: %v", err)
	}
	if len(pc.Peers) != 1 || pc.Peers[0].PeerID != peerA {
		t.Fatalf("legacy peers not migrated: %+v", pc.Peers)
	}

	// The namespaced file now exists and is what subsequent opens read.
	if _, err := os.Stat(pc.Path); err != nil {
		t.Errorf("namespaced file missing after migration: %v", err)
	}

	// Mutate the namespaced copy; the legacy file must not be re-read.
	pc.Remember(peerB, []string{"/ip4/198.51.100.7/tcp/4001/p2p/" + peerB})
	if err := pc.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	again, err := OpenPeerCache(dir, nil, 4001, 0, false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if len(again.Peers) != 2 {
		t.Errorf("namespaced cache not authoritative: %+v", again.Peers)
	}
}

func TestWarmstartCandidateOrdering(t *testing.T) {
	pc := &PeerCache{LastSuccessfulConnectAt: map[string]int64{
		"peer-recent-connect": 2000,
		"peer-old-connect":    1000,
	}}
	pc.Peers = []CacheEntry{
		{PeerID: "peer-never-connected", Addresses: []string{"/ip4/203.0.113.9/tcp/4001/p2p/x"}, LastSeen: 5000},
		{PeerID: "peer-old-connect", Addresses: []string{"/ip4/203.0.113.8/tcp/4001/p2p/x"}, LastSeen: 100},
		{PeerID: "peer-recent-connect", Addresses: []string{
			"/ip4/203.0.113.7/tcp/4002/p2p/x",
			"/ip4/203.0.113.7/tcp/4001/p2p/x",
		}, LastSeen: 100},
	}

	cands := pc.WarmstartCandidates(10)
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	if cands[0].PeerID != "peer-recent-connect" || cands[1].PeerID != "peer-old-connect" {
		t.Errorf("ordering wrong: %v, %v", cands[0].PeerID, cands[1].PeerID)
	}
	// One address per peer, lexicographically smallest.
	if cands[0].Address != "/ip4/203.0.113.7/tcp/4001/p2p/x" {
		t.Errorf("best address = %s", cands[0].Address)
	}

	if got := pc.WarmstartCandidates(2); len(got) != 2 {
		t.Errorf("max not applied: %d", len(got))
	}
}

func TestWarmstartWANSafety(t *testing.T) {
	ctx := context.Background()
	suffix := "/tcp/4001/p2p/" + peerA

	blocked := []string{
		"/ip4/127.0.0.1" + suffix,
		"/ip4/10.1.2.3" + suffix,
		"/ip4/192.168.1.10" + suffix,
		"/ip4/172.16.0.9" + suffix,
		"/ip4/169.254.0.1" + suffix,
		"/ip4/0.0.0.0" + suffix,
		"/ip6/::1" + suffix,
		"/ip6/fd00::1" + suffix,
		"/ip6/fe80::1" + suffix,
	}
	for _, addr := range blocked {
		if IsAddrAllowedForWarmstart(ctx, addr, false) {
			t.Errorf("%s allowed at warm start", addr)
		}
		// LAN opt-in allows them all.
		if !IsAddrAllowedForWarmstart(ctx, addr, true) {
			t.Errorf("%s blocked even with allowLAN", addr)
		}
	}

	if !IsAddrAllowedForWarmstart(ctx, "/ip4/203.0.113.5"+suffix, false) {
		t.Error("public address blocked")
	}

	// Addresses without a dialable shape are rejected either way.
	if IsAddrAllowedForWarmstart(ctx, "/ip4/203.0.113.5/tcp/4001", false) {
		t.Error("address without peer component allowed")
	}
	if IsAddrAllowedForWarmstart(ctx, "not-a-multiaddr", false) {
		t.Error("garbage address allowed")
	}
}
