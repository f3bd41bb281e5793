// Package swarm owns the libp2p host and every network behaviour: the
// transport stack (TCP, Noise XX, Yamux), identify, mDNS discovery, ping,
// Kademlia routing, AutoNAT, the relay client pool and DCUtR hole
// punching. One goroutine owns all swarm state; other components interact
// through typed commands on a bounded channel and a bounded event
// broadcast.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/chiral-network/chiral-network/internal/reachability"
	"github.com/chiral-network/chiral-network/internal/relay"
	"github.com/chiral-network/chiral-network/pkg/identity"
)

// Defaults matching the network's behaviour.
const (
	DefaultIdleTimeout       = 300 * time.Second
	DefaultBootstrapInterval = 30 * time.Second
	DefaultQueryTimeout      = 30 * time.Second
	defaultAgentPrefix       = "chiral-network/2.0.0"
	protocolVersion          = "/chiral/1.0.0"
	mdnsServiceTag           = "chiral-network"
	pingInterval             = 15 * time.Second
)

// Config selects the behaviours a node runs.
type Config struct {
	Identity        *identity.Identity
	ListenPort      int
	BootstrapPeers  []string
	EnableMDNS      bool
	EnableAutoNAT   bool
	PreferredRelays []string
	// BootstrapOnly nodes route but neither store nor provide; their own
	// periodic bootstrap is disabled.
	BootstrapOnly bool
	IdleTimeout   time.Duration
	// AgentAlias is appended to the identify agent string. Arbitrary
	// printable UTF-8, emoji included.
	AgentAlias string
}

// Node is the running swarm.
type Node struct {
	host  host.Host
	kdht  *kaddht.IpfsDHT
	ping  *ping.PingService
	reach *reachability.Estimator
	pool  *relay.Pool
	mdns  mdns.Service

	cfg          Config
	cmds         chan command
	events       *broadcaster
	cancel       context.CancelFunc
	done         chan struct{}
	teardownOnce sync.Once
	log          *logrus.Entry
}

// New builds the host and behaviours and starts the swarm task.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("swarm requires an identity")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	priv, err := cfg.Identity.Libp2pKey()
	if err != nil {
		return nil, err
	}

	agent := defaultAgentPrefix
	if cfg.AgentAlias != "" {
		agent = agent + " " + cfg.AgentAlias
	}

	cm, err := connmgr.NewConnManager(32, 256, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.UserAgent(agent),
		libp2p.ProtocolVersion(protocolVersion),
		libp2p.ConnectionManager(cm),
		libp2p.EnableRelay(),
	}
	if cfg.EnableAutoNAT {
		// DCUtR rides along with AutoNAT: once a circuit is up between
		// two NATed peers they attempt the simultaneous direct connect.
		opts = append(opts, libp2p.EnableAutoNATv2(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	dhtOpts := []kaddht.Option{
		kaddht.Mode(kaddht.ModeServer),
		kaddht.ProtocolPrefix("/chiral"),
		kaddht.Resiliency(3),
		kaddht.Validator(record.NamespacedValidator{
			"chiral": chiralValidator{},
			"pk":     record.PublicKeyValidator{},
		}),
	}
	if infos := parsePeers(cfg.BootstrapPeers); len(infos) > 0 {
		dhtOpts = append(dhtOpts, kaddht.BootstrapPeers(infos...))
	}
	if cfg.BootstrapOnly {
		// Route-only: records age out immediately, so this node never
		// becomes an accidental store of last resort.
		dhtOpts = append(dhtOpts, kaddht.MaxRecordAge(time.Second))
	}

	kdht, err := kaddht.New(ctx, h, dhtOpts...)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create kademlia dht: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:   h,
		kdht:   kdht,
		ping:   ping.NewPingService(h),
		reach:  reachability.New(),
		pool:   relay.NewPool(h),
		cfg:    cfg,
		cmds:   make(chan command, 64),
		events: newBroadcaster(),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "swarm"),
	}

	for _, addr := range cfg.PreferredRelays {
		if info, err := peer.AddrInfoFromString(addr); err == nil {
			n.pool.AddRelay(*info)
		} else {
			n.log.WithField("addr", addr).WithError(err).Warn("skipping malformed relay address")
		}
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.events.Publish(Event{Type: EventPeerConnected, Peer: c.RemotePeer().String()})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.events.Publish(Event{Type: EventPeerDisconnected, Peer: c.RemotePeer().String()})
		},
	})

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceTag, (*mdnsNotifee)(n))
		if err := svc.Start(); err != nil {
			n.log.WithError(err).Warn("mdns failed to start")
		} else {
			n.mdns = svc
		}
	}

	go n.run(runCtx)
	return n, nil
}

// chiralValidator accepts any non-empty record in the chiral namespace.
type chiralValidator struct{}

func (chiralValidator) Validate(key string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty record for %s", key)
	}
	return nil
}

func (chiralValidator) Select(_ string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values")
	}
	return 0, nil
}

// mdnsNotifee connects to LAN-discovered peers.
type mdnsNotifee Node

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n := (*Node)(m)
	if info.ID == n.host.ID() {
		return
	}
	n.events.Publish(Event{Type: EventPeerDiscovered, Peer: info.ID.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		n.log.WithField("peer", info.ID.String()).WithError(err).Debug("mdns dial failed")
	}
}

func parsePeers(addrs []string) []peer.AddrInfo {
	var out []peer.AddrInfo
	for _, s := range addrs {
		if info, err := peer.AddrInfoFromString(s); err == nil {
			out = append(out, *info)
		} else {
			logrus.WithField("addr", s).WithError(err).Warn("skipping malformed bootstrap address")
		}
	}
	return out
}

// Host exposes the underlying host for protocol handlers. Handlers must
// not mutate swarm state.
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns the local peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Reachability returns the NAT estimator snapshot.
func (n *Node) Reachability() reachability.Snapshot {
	return n.reach.Snapshot()
}

// RelayPool exposes the relay client pool.
func (n *Node) RelayPool() *relay.Pool {
	return n.pool
}

// Subscribe attaches a bounded event listener.
func (n *Node) Subscribe() (<-chan Event, func()) {
	return n.events.Subscribe()
}

// ConnectedPeers lists currently connected peers.
func (n *Node) ConnectedPeers() []string {
	peers := n.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

// ListenAddrs returns the host's listen addresses including any live
// circuit addresses.
func (n *Node) ListenAddrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, a.String())
	}
	for _, a := range n.pool.CircuitAddrs() {
		out = append(out, a.String())
	}
	return out
}

// Ping measures the round trip to a peer.
func (n *Node) Ping(ctx context.Context, p peer.ID) (time.Duration, error) {
	select {
	case res := <-n.ping.Ping(ctx, p):
		if res.Error != nil {
			return 0, res.Error
		}
		return res.RTT, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// circuitAddrFor derives the dialable circuit address of target through
// relayInfo.
func circuitAddrFor(relayInfo peer.AddrInfo, target peer.ID) ([]ma.Multiaddr, error) {
	suffix, err := ma.NewMultiaddr("/p2p-circuit/p2p/" + target.String())
	if err != nil {
		return nil, err
	}
	var out []ma.Multiaddr
	for _, base := range relayInfo.Addrs {
		withRelay, err := ma.NewMultiaddr(base.String() + "/p2p/" + relayInfo.ID.String())
		if err != nil {
			continue
		}
		out = append(out, withRelay.Encapsulate(suffix))
	}
	return out, nil
}
