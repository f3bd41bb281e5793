package dht

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// Warm-start limits.
const (
	DefaultMaxWarmstartCandidates = 20
	dnsLookupCap                  = 8
	dnsLookupTimeout              = 500 * time.Millisecond
	legacyCacheFile               = "peer_cache.json"
)

// CacheEntry is one remembered peer.
type CacheEntry struct {
	PeerID    string   `json:"peerId"`
	Addresses []string `json:"addresses"`
	LastSeen  int64    `json:"lastSeen"`
}

// NamespaceMeta records the inputs the namespace key was derived from.
type NamespaceMeta struct {
	Port           int      `json:"port"`
	BootstrapNodes []string `json:"bootstrapNodes"`
	ChainID        uint64   `json:"chainId,omitempty"`
}

// cacheHeader versions the namespaced cache file.
type cacheHeader struct {
	SchemaVersion int           `json:"schemaVersion"`
	NamespaceKey  string        `json:"namespaceKey"`
	NamespaceMeta NamespaceMeta `json:"namespaceMeta"`
	GeneratedAt   int64         `json:"generatedAt"`
}

// CacheFile is the on-disk shape of a namespaced peer cache.
type CacheFile struct {
	Header                  cacheHeader      `json:"header"`
	Peers                   []CacheEntry     `json:"peers"`
	LastSuccessfulConnectAt map[string]int64 `json:"lastSuccessfulConnectAt"`
}

// ComputeNamespaceKey derives the peer-cache namespace from the DHT port,
// the canonicalised bootstrap set and optionally the chain ID. Reordering
// or re-spacing the bootstrap list does not change the key.
func ComputeNamespaceKey(bootstrapNodes []string, port int, chainID uint64, includeChainID bool) string {
	canonical := CanonicalizeBootstrapSet(bootstrapNodes)
	h := sha256.New()
	fmt.Fprintf(h, "dht_port=%d;", port)
	fmt.Fprintf(h, "bootstraps=%s;", joinComma(canonical))
	if includeChainID {
		fmt.Fprintf(h, "chain_id=%d;", chainID)
	}
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// PeerCache is the namespaced peer cache with its persistence paths.
type PeerCache struct {
	NamespaceKey string
	Meta         NamespaceMeta
	Path         string
	legacyPath   string

	Peers                   []CacheEntry
	LastSuccessfulConnectAt map[string]int64
}

// OpenPeerCache loads (or migrates) the peer cache for the given namespace
// inputs under dataDir. A legacy un-namespaced peer_cache.json is imported
// into the namespaced file on first run.
func OpenPeerCache(dataDir string, bootstrapNodes []string, port int, chainID uint64, includeChainID bool) (*PeerCache, error) {
	key := ComputeNamespaceKey(bootstrapNodes, port, chainID, includeChainID)
	pc := &PeerCache{
		NamespaceKey: key,
		Meta: NamespaceMeta{
			Port:           port,
			BootstrapNodes: CanonicalizeBootstrapSet(bootstrapNodes),
		},
		Path:                    filepath.Join(dataDir, fmt.Sprintf("peer_cache.%s.json", key)),
		legacyPath:              filepath.Join(dataDir, legacyCacheFile),
		LastSuccessfulConnectAt: make(map[string]int64),
	}
	if includeChainID {
		pc.Meta.ChainID = chainID
	}

	if data, err := os.ReadFile(pc.Path); err == nil {
		var file CacheFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse peer cache %s: %w", pc.Path, err)
		}
		if file.Header.NamespaceKey != key {
			logrus.WithFields(logrus.Fields{
				"expected": key,
				"found":    file.Header.NamespaceKey,
			}).Warn("peer cache namespace mismatch, starting fresh")
			return pc, nil
		}
		pc.Peers = file.Peers
		if file.LastSuccessfulConnectAt != nil {
			pc.LastSuccessfulConnectAt = file.LastSuccessfulConnectAt
		}
		return pc, nil
	}

	// First run for this namespace: import the legacy cache if present.
	if data, err := os.ReadFile(pc.legacyPath); err == nil {
		var legacy struct {
			Peers []CacheEntry `json:"peers"`
		}
		if err := json.Unmarshal(data, &legacy); err == nil {
			pc.Peers = legacy.Peers
			if err := pc.Save(); err != nil {
				return nil, err
			}
			logrus.WithField("peers", len(legacy.Peers)).Info("migrated legacy peer cache")
		}
	}
	return pc, nil
}

// Save writes the cache atomically to its namespaced file.
func (pc *PeerCache) Save() error {
	file := CacheFile{
		Header: cacheHeader{
			SchemaVersion: 1,
			NamespaceKey:  pc.NamespaceKey,
			NamespaceMeta: pc.Meta,
			GeneratedAt:   time.Now().Unix(),
		},
		Peers:                   pc.Peers,
		LastSuccessfulConnectAt: pc.LastSuccessfulConnectAt,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode peer cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(pc.Path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := pc.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write peer cache: %w", err)
	}
	return os.Rename(tmp, pc.Path)
}

// Remember upserts a peer observation.
func (pc *PeerCache) Remember(peerID string, addrs []string) {
	now := time.Now().Unix()
	for i := range pc.Peers {
		if pc.Peers[i].PeerID == peerID {
			pc.Peers[i].LastSeen = now
			pc.Peers[i].Addresses = mergeAddrs(pc.Peers[i].Addresses, addrs)
			return
		}
	}
	pc.Peers = append(pc.Peers, CacheEntry{PeerID: peerID, Addresses: addrs, LastSeen: now})
}

// RecordSuccessfulConnect timestamps a successful dial to peerID.
func (pc *PeerCache) RecordSuccessfulConnect(peerID string) {
	pc.LastSuccessfulConnectAt[peerID] = time.Now().Unix()
}

func mergeAddrs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a] = struct{}{}
	}
	for _, a := range incoming {
		if _, dup := seen[a]; !dup {
			existing = append(existing, a)
			seen[a] = struct{}{}
		}
	}
	return existing
}

// WarmstartCandidate is one (peer, address) pair selected for warm start.
type WarmstartCandidate struct {
	PeerID                  string
	Address                 string
	LastSuccessfulConnectAt int64
	LastSeen                int64
}

// WarmstartCandidates selects up to max peers to dial at startup, one best
// address per peer, ordered by last successful connect then last seen.
func (pc *PeerCache) WarmstartCandidates(max int) []WarmstartCandidate {
	if max <= 0 {
		max = DefaultMaxWarmstartCandidates
	}

	best := make(map[string]*WarmstartCandidate)
	for _, entry := range pc.Peers {
		addrs := append([]string(nil), entry.Addresses...)
		sort.Strings(addrs)
		for _, addr := range addrs {
			if prev, ok := best[entry.PeerID]; ok {
				if addr < prev.Address {
					prev.Address = addr
				}
				if entry.LastSeen > prev.LastSeen {
					prev.LastSeen = entry.LastSeen
				}
				continue
			}
			best[entry.PeerID] = &WarmstartCandidate{
				PeerID:                  entry.PeerID,
				Address:                 addr,
				LastSuccessfulConnectAt: pc.LastSuccessfulConnectAt[entry.PeerID],
				LastSeen:                entry.LastSeen,
			}
		}
	}

	out := make([]WarmstartCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSuccessfulConnectAt != out[j].LastSuccessfulConnectAt {
			return out[i].LastSuccessfulConnectAt > out[j].LastSuccessfulConnectAt
		}
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].PeerID < out[j].PeerID
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// IsSupportedDialAddr reports whether an address has a dialable TCP + p2p
// shape.
func IsSupportedDialAddr(addr string) bool {
	parsed, err := ma.NewMultiaddr(addr)
	if err != nil {
		return false
	}
	hasTCP := false
	hasP2P := false
	ma.ForEach(parsed, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_TCP:
			hasTCP = true
		case ma.P_P2P:
			hasP2P = true
		}
		return true
	})
	return hasTCP && hasP2P
}

// IsAddrAllowedForWarmstart applies WAN-safety to a warm-start candidate.
// Unless allowLAN is set, loopback, RFC1918, link-local, unique-local,
// multicast and unspecified targets are rejected, including DNS names that
// resolve to any such address.
func IsAddrAllowedForWarmstart(ctx context.Context, addr string, allowLAN bool) bool {
	parsed, err := ma.NewMultiaddr(addr)
	if err != nil {
		return false
	}
	if !IsSupportedDialAddr(addr) {
		return false
	}

	allowed := true
	ma.ForEach(parsed, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_IP4, ma.P_IP6:
			ip, err := netip.ParseAddr(c.Value())
			if err != nil || !isIPAllowed(ip, allowLAN) {
				allowed = false
				return false
			}
		case ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
			if !dnsTargetAllowed(ctx, c.Value(), allowLAN) {
				allowed = false
				return false
			}
		}
		return true
	})
	return allowed
}

func isIPAllowed(ip netip.Addr, allowLAN bool) bool {
	if allowLAN {
		return true
	}
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified())
}

func dnsTargetAllowed(ctx context.Context, host string, allowLAN bool) bool {
	ctx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return false
	}
	for i, ip := range addrs {
		if i >= dnsLookupCap {
			break
		}
		if !isIPAllowed(ip.Unmap(), allowLAN) {
			return false
		}
	}
	return true
}
