package dht

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"github.com/chiral-network/chiral-network/internal/swarm"
	"github.com/chiral-network/chiral-network/pkg/identity"
	"github.com/chiral-network/chiral-network/pkg/manifest"
)

// Config assembles everything the DHT service needs to run.
type Config struct {
	DataDir         string
	ListenPort      int
	BootstrapNodes  []string
	DnsaddrDomains  []string
	ChainID         uint64
	EnableMDNS      bool
	EnableAutoNAT   bool
	PreferredRelays []string
	BootstrapOnly   bool
	Identity        *identity.Identity
	AgentAlias      string
	// AllowLANWarmstart permits RFC1918/link-local warm-start dials;
	// off by default so cached LAN peers from another network are never
	// dialled across the WAN.
	AllowLANWarmstart bool
}

// Service is the public DHT API. Lifecycle is single-flight; every method
// that needs the network returns ErrNotRunning once the service stops.
type Service struct {
	lc  Lifecycle
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	node  *swarm.Node
	cache *PeerCache

	// pending search waiters by file hash; all waiters for one hash are
	// notified together by the first completed lookup.
	pending map[string][]chan searchResult
}

type searchResult struct {
	manifest *manifest.FileManifest
	err      error
}

// NewService creates a stopped service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:     cfg,
		log:     logrus.WithField("component", "dht"),
		pending: make(map[string][]chan searchResult),
	}
}

// Start resolves bootstrap addresses, builds the swarm and warm-starts
// from the peer cache. Concurrent calls: exactly one proceeds.
func (s *Service) Start(ctx context.Context) error {
	runID, err := s.lc.BeginStart()
	if err != nil {
		return err
	}

	bootstraps := append([]string(nil), s.cfg.BootstrapNodes...)
	for _, domain := range s.cfg.DnsaddrDomains {
		resolved, err := ResolveDnsaddr(ctx, domain)
		if err != nil {
			s.log.WithField("domain", domain).WithError(err).Warn("dnsaddr resolution failed")
			continue
		}
		bootstraps = append(bootstraps, resolved...)
	}
	bootstraps = CanonicalizeBootstrapSet(bootstraps)

	cache, err := OpenPeerCache(s.cfg.DataDir, bootstraps, s.cfg.ListenPort, s.cfg.ChainID, s.cfg.ChainID != 0)
	if err != nil {
		s.lc.MarkStopped()
		return err
	}

	node, err := swarm.New(ctx, swarm.Config{
		Identity:        s.cfg.Identity,
		ListenPort:      s.cfg.ListenPort,
		BootstrapPeers:  bootstraps,
		EnableMDNS:      s.cfg.EnableMDNS,
		EnableAutoNAT:   s.cfg.EnableAutoNAT,
		PreferredRelays: s.cfg.PreferredRelays,
		BootstrapOnly:   s.cfg.BootstrapOnly,
		AgentAlias:      s.cfg.AgentAlias,
	})
	if err != nil {
		s.lc.MarkStopped()
		return err
	}

	s.mu.Lock()
	s.node = node
	s.cache = cache
	s.mu.Unlock()

	s.lc.MarkRunning(runID)
	go s.warmStart(ctx)
	return nil
}

// Stop shuts the swarm down and persists the peer cache. Subsequent API
// calls return ErrNotRunning.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.lc.BeginStop(); err != nil {
		return err
	}
	defer s.lc.MarkStopped()

	s.mu.Lock()
	node := s.node
	cache := s.cache
	s.node = nil
	s.mu.Unlock()

	if cache != nil {
		for _, p := range nodePeers(node) {
			cache.RecordSuccessfulConnect(p)
		}
		if err := cache.Save(); err != nil {
			s.log.WithError(err).Warn("failed to persist peer cache")
		}
	}
	if node != nil {
		return node.Shutdown(ctx)
	}
	return nil
}

func nodePeers(node *swarm.Node) []string {
	if node == nil {
		return nil
	}
	return node.ConnectedPeers()
}

// running returns the swarm node, or ErrNotRunning.
func (s *Service) running() (*swarm.Node, error) {
	if err := s.lc.RequireRunning(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node == nil {
		return nil, ErrNotRunning
	}
	return s.node, nil
}

// Node exposes the swarm for the transfer layer. Nil when stopped.
func (s *Service) Node() *swarm.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// PeerID returns the local peer ID.
func (s *Service) PeerID() (string, error) {
	node, err := s.running()
	if err != nil {
		return "", err
	}
	return node.PeerID().String(), nil
}

// warmStart dials remembered peers: best address per peer, WAN-safe unless
// LAN is explicitly allowed, bounded attempts.
func (s *Service) warmStart(ctx context.Context) {
	s.mu.Lock()
	node := s.node
	cache := s.cache
	s.mu.Unlock()
	if node == nil || cache == nil {
		return
	}

	candidates := cache.WarmstartCandidates(DefaultMaxWarmstartCandidates)
	attempted, succeeded := 0, 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if !IsAddrAllowedForWarmstart(ctx, c.Address, s.cfg.AllowLANWarmstart) {
			continue
		}
		attempted++
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := node.Connect(dialCtx, c.Address)
		cancel()
		if err == nil {
			succeeded++
			s.mu.Lock()
			cache.RecordSuccessfulConnect(c.PeerID)
			s.mu.Unlock()
		}
	}
	s.log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"attempted":  attempted,
		"succeeded":  succeeded,
	}).Info("peer cache warm start finished")
}

// fileCID maps a hex Merkle root onto the provider CID (raw codec over the
// root digest itself).
func fileCID(fileHash string) (cid.Cid, error) {
	digest, err := hex.DecodeString(fileHash)
	if err != nil || len(digest) != 32 {
		return cid.Undef, fmt.Errorf("malformed file hash %q", fileHash)
	}
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh.Multihash(encoded)), nil
}

// PublishFile stores the manifest under chiral_file_<root> and announces
// this node as a provider.
func (s *Service) PublishFile(ctx context.Context, m *manifest.FileManifest) error {
	node, err := s.running()
	if err != nil {
		return err
	}
	if m.MerkleRoot == "" {
		return fmt.Errorf("manifest has no merkle root")
	}

	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err := node.PutValue(ctx, routingKey(FileKey(m.MerkleRoot)), value); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}

	c, err := fileCID(m.MerkleRoot)
	if err != nil {
		return err
	}
	if err := node.Provide(ctx, c); err != nil {
		s.log.WithField("hash", m.MerkleRoot).WithError(err).
			Warn("provider announcement failed")
	}
	s.log.WithFields(logrus.Fields{"hash": m.MerkleRoot, "name": m.FileName}).
		Info("file published")
	return nil
}

// SearchFile resolves a manifest by Merkle root. Concurrent searches for
// the same hash share one lookup; every waiter receives the result. A
// record that fails to parse as a manifest is logged and treated as not
// found.
func (s *Service) SearchFile(ctx context.Context, fileHash string) (*manifest.FileManifest, error) {
	if _, err := s.running(); err != nil {
		return nil, err
	}

	waiter := make(chan searchResult, 1)
	s.mu.Lock()
	waiters, inFlight := s.pending[fileHash]
	s.pending[fileHash] = append(waiters, waiter)
	s.mu.Unlock()

	if !inFlight {
		go s.runSearch(ctx, fileHash)
	}

	select {
	case res := <-waiter:
		return res.manifest, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) runSearch(ctx context.Context, fileHash string) {
	var res searchResult

	node, err := s.running()
	if err != nil {
		res.err = err
	} else {
		value, err := node.GetValue(ctx, routingKey(FileKey(fileHash)))
		switch {
		case err != nil:
			res.err = fmt.Errorf("file %s not found: %w", fileHash, err)
		default:
			var m manifest.FileManifest
			if jsonErr := json.Unmarshal(value, &m); jsonErr != nil {
				s.log.WithField("hash", fileHash).WithError(jsonErr).
					Warn("ignoring unparseable manifest record")
				res.err = fmt.Errorf("file %s not found: record unreadable", fileHash)
			} else {
				res.manifest = &m
			}
		}
	}

	s.mu.Lock()
	waiters := s.pending[fileHash]
	delete(s.pending, fileHash)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- res
	}
}

// GetProviders returns the peer IDs currently believed to hold fileHash.
func (s *Service) GetProviders(ctx context.Context, fileHash string) ([]string, error) {
	node, err := s.running()
	if err != nil {
		return nil, err
	}
	c, err := fileCID(fileHash)
	if err != nil {
		return nil, err
	}
	infos, err := node.FindProviders(ctx, c, 20)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ID.String())
	}
	return out, nil
}

// PutValue stores an arbitrary Chiral record (host ads, registry,
// agreements).
func (s *Service) PutValue(ctx context.Context, key string, value []byte) error {
	node, err := s.running()
	if err != nil {
		return err
	}
	return node.PutValue(ctx, routingKey(key), value)
}

// GetValue fetches an arbitrary Chiral record.
func (s *Service) GetValue(ctx context.Context, key string) ([]byte, error) {
	node, err := s.running()
	if err != nil {
		return nil, err
	}
	return node.GetValue(ctx, routingKey(key))
}

// ConnectPeer dials a peer by multiaddr.
func (s *Service) ConnectPeer(ctx context.Context, addr string) error {
	node, err := s.running()
	if err != nil {
		return err
	}
	return node.Connect(ctx, addr)
}

// DisconnectPeer closes connections to a peer.
func (s *Service) DisconnectPeer(ctx context.Context, peerID string) error {
	node, err := s.running()
	if err != nil {
		return err
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	return node.Disconnect(ctx, pid)
}

// IsPeerConnected reports whether a live connection to peerID exists.
func (s *Service) IsPeerConnected(peerID string) (bool, error) {
	node, err := s.running()
	if err != nil {
		return false, err
	}
	for _, p := range node.ConnectedPeers() {
		if p == peerID {
			return true, nil
		}
	}
	return false, nil
}

// PeerCount returns the number of connected peers. The DHT service is the
// single authority for this figure.
func (s *Service) PeerCount() (int, error) {
	node, err := s.running()
	if err != nil {
		return 0, err
	}
	return len(node.ConnectedPeers()), nil
}

// HostAd is the advertisement a hosting node publishes about itself.
type HostAd struct {
	PeerID        string `json:"peerId"`
	WalletAddress string `json:"walletAddress"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// PublishHostAd writes this node's host advertisement and upserts it into
// the shared host registry.
func (s *Service) PublishHostAd(ctx context.Context, walletAddress string) error {
	peerID, err := s.PeerID()
	if err != nil {
		return err
	}
	ad := HostAd{PeerID: peerID, WalletAddress: walletAddress, UpdatedAt: time.Now().Unix()}
	adJSON, err := json.Marshal(&ad)
	if err != nil {
		return fmt.Errorf("failed to serialize host ad: %w", err)
	}
	if err := s.PutValue(ctx, HostKey(peerID), adJSON); err != nil {
		return err
	}

	var registry []HostAd
	if raw, err := s.GetValue(ctx, HostRegistryKey()); err == nil {
		if err := json.Unmarshal(raw, &registry); err != nil {
			s.log.WithError(err).Warn("host registry record unreadable, rebuilding")
			registry = nil
		}
	}
	replaced := false
	for i := range registry {
		if registry[i].PeerID == peerID {
			registry[i] = ad
			replaced = true
			break
		}
	}
	if !replaced {
		registry = append(registry, ad)
	}
	regJSON, err := json.Marshal(registry)
	if err != nil {
		return fmt.Errorf("failed to serialize host registry: %w", err)
	}
	return s.PutValue(ctx, HostRegistryKey(), regJSON)
}

// StoreAgreement mirrors a hosting agreement to disk and publishes it for
// the counterparty.
func (s *Service) StoreAgreement(ctx context.Context, agreementID string, agreementJSON []byte) error {
	dir := filepath.Join(s.cfg.DataDir, "agreements")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agreements dir: %w", err)
	}
	path := filepath.Join(dir, agreementID+".json")
	if err := os.WriteFile(path, agreementJSON, 0644); err != nil {
		return fmt.Errorf("failed to write agreement: %w", err)
	}
	if err := s.PutValue(ctx, AgreementKey(agreementID), agreementJSON); err != nil {
		s.log.WithField("agreement", agreementID).WithError(err).
			Warn("agreement not published to dht")
	}
	return nil
}

// GetAgreement loads an agreement from disk, falling back to the DHT and
// caching a DHT hit locally.
func (s *Service) GetAgreement(ctx context.Context, agreementID string) ([]byte, error) {
	path := filepath.Join(s.cfg.DataDir, "agreements", agreementID+".json")
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	data, err := s.GetValue(ctx, AgreementKey(agreementID))
	if err != nil {
		return nil, err
	}
	if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
		s.log.WithError(writeErr).Debug("agreement cache write failed")
	}
	return data, nil
}

// ListAgreements returns locally mirrored agreement IDs.
func (s *Service) ListAgreements() ([]string, error) {
	dir := filepath.Join(s.cfg.DataDir, "agreements")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agreements dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}
