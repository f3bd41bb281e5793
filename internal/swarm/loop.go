package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"
)

// ErrShutdownTimeout indicates the swarm task did not acknowledge shutdown
// within the cap.
var ErrShutdownTimeout = errors.New("swarm shutdown timed out")

// shutdownCap bounds how long Shutdown waits for the task to wind down.
const shutdownCap = 30 * time.Second

// command is one typed instruction to the swarm task. Blocking work runs
// on worker goroutines so the task keeps draining its queues.
type command interface{}

type connectCmd struct {
	addr  string
	reply chan error
}

type disconnectCmd struct {
	peerID peer.ID
	reply  chan error
}

type putValueCmd struct {
	key   string
	value []byte
	reply chan error
}

type getValueCmd struct {
	key   string
	reply chan getValueResult
}

type getValueResult struct {
	value []byte
	err   error
}

type provideCmd struct {
	c     cid.Cid
	reply chan error
}

type findProvidersCmd struct {
	c     cid.Cid
	limit int
	reply chan findProvidersResult
}

type findProvidersResult struct {
	peers []peer.AddrInfo
	err   error
}

type bootstrapCmd struct {
	reply chan error
}

type shutdownCmd struct {
	reply chan struct{}
}

// run is the swarm task: sole owner of swarm state transitions.
func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	busSub, err := n.host.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalReachabilityChanged),
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		n.log.WithError(err).Warn("event bus subscription failed")
	}
	defer func() {
		if busSub != nil {
			busSub.Close()
		}
	}()
	var busCh <-chan interface{}
	if busSub != nil {
		busCh = busSub.Out()
	}

	// Periodic bootstrap runs only when bootstrap nodes exist, avoiding
	// "no known peers" warnings on isolated nodes. Bootstrap-only nodes
	// route without refreshing their own tables.
	var bootstrapCh <-chan time.Time
	if len(n.cfg.BootstrapPeers) > 0 && !n.cfg.BootstrapOnly {
		ticker := time.NewTicker(DefaultBootstrapInterval)
		defer ticker.Stop()
		bootstrapCh = ticker.C
		n.spawnBootstrap(ctx, nil)
	}

	relayTicker := time.NewTicker(30 * time.Second)
	defer relayTicker.Stop()
	n.connectPreferredRelays(ctx)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.teardown()
			return

		case ev, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			n.handleBusEvent(ev)

		case <-bootstrapCh:
			n.spawnBootstrap(ctx, nil)

		case <-relayTicker.C:
			go n.pool.RenewDue(ctx)

		case <-pingTicker.C:
			n.spawnPingRound(ctx)

		case cmd := <-n.cmds:
			if done := n.handleCommand(ctx, cmd); done {
				return
			}
		}
	}
}

func (n *Node) handleBusEvent(ev interface{}) {
	switch e := ev.(type) {
	case event.EvtLocalReachabilityChanged:
		switch e.Reachability {
		case network.ReachabilityPublic:
			n.reach.RecordProbe(true, "")
		case network.ReachabilityPrivate:
			n.reach.RecordProbe(false, "autonat probe reported private")
		}
		snap := n.reach.Snapshot()
		n.events.Publish(Event{Type: EventNatStatus, Nat: &snap})

	case event.EvtPeerIdentificationCompleted:
		// A peer speaking another protocol version is removed from the
		// routing table and disconnected.
		if e.ProtocolVersion != "" && e.ProtocolVersion != protocolVersion {
			n.log.WithFields(logrus.Fields{
				"peer":    e.Peer.String(),
				"version": e.ProtocolVersion,
			}).Warn("protocol mismatch, dropping peer")
			n.kdht.RoutingTable().RemovePeer(e.Peer)
			_ = n.host.Network().ClosePeer(e.Peer)
			n.events.Publish(Event{
				Type:  EventError,
				Peer:  e.Peer.String(),
				Error: "protocol version mismatch: " + e.ProtocolVersion,
			})
		}

	case event.EvtLocalAddressesUpdated:
		var public []string
		var all []string
		for _, ua := range e.Current {
			all = append(all, ua.Address.String())
			if manet.IsPublicAddr(ua.Address) {
				public = append(public, ua.Address.String())
			}
		}
		n.reach.SetObservedAddrs(public)
		n.events.Publish(Event{Type: EventListenAddrChanged, Addrs: all})
	}
}

// handleCommand dispatches one command; blocking operations run on worker
// goroutines. Returns true on shutdown.
func (n *Node) handleCommand(ctx context.Context, cmd command) bool {
	switch c := cmd.(type) {
	case connectCmd:
		go func() {
			c.reply <- n.dial(ctx, c.addr)
		}()

	case disconnectCmd:
		go func() {
			c.reply <- n.host.Network().ClosePeer(c.peerID)
		}()

	case putValueCmd:
		go func() {
			opCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
			defer cancel()
			c.reply <- n.kdht.PutValue(opCtx, c.key, c.value)
		}()

	case getValueCmd:
		go func() {
			opCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
			defer cancel()
			v, err := n.kdht.GetValue(opCtx, c.key, kaddht.Quorum(1))
			c.reply <- getValueResult{value: v, err: err}
		}()

	case provideCmd:
		go func() {
			opCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
			defer cancel()
			c.reply <- n.kdht.Provide(opCtx, c.c, true)
		}()

	case findProvidersCmd:
		go func() {
			opCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
			defer cancel()
			ch := n.kdht.FindProvidersAsync(opCtx, c.c, c.limit)
			var out []peer.AddrInfo
			for info := range ch {
				out = append(out, info)
			}
			c.reply <- findProvidersResult{peers: out}
		}()

	case bootstrapCmd:
		n.spawnBootstrap(ctx, c.reply)

	case shutdownCmd:
		n.teardown()
		close(c.reply)
		return true
	}
	return false
}

// spawnPingRound measures round trips to connected peers and publishes the
// samples.
func (n *Node) spawnPingRound(ctx context.Context) {
	peers := n.host.Network().Peers()
	go func() {
		for _, p := range peers {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			rtt, err := n.Ping(pingCtx, p)
			cancel()
			if err != nil {
				continue
			}
			n.events.Publish(Event{
				Type:  EventPeerRTT,
				Peer:  p.String(),
				RTTMs: rtt.Milliseconds(),
			})
		}
	}()
}

func (n *Node) spawnBootstrap(ctx context.Context, reply chan error) {
	go func() {
		err := n.kdht.Bootstrap(ctx)
		if err != nil {
			n.log.WithError(err).Debug("dht bootstrap round failed")
		}
		if reply != nil {
			reply <- err
		}
	}()
}

// connectPreferredRelays dials every configured relay and requests one
// reservation per relay peer.
func (n *Node) connectPreferredRelays(ctx context.Context) {
	go func() {
		for _, info := range n.relayInfos() {
			dialCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
			err := n.pool.Listen(dialCtx, info)
			cancel()
			if err != nil {
				n.log.WithField("relay", info.ID.String()).WithError(err).
					Warn("relay reservation failed")
			}
		}
	}()
}

func (n *Node) relayInfos() []peer.AddrInfo {
	var out []peer.AddrInfo
	for _, addr := range n.cfg.PreferredRelays {
		if info, err := peer.AddrInfoFromString(addr); err == nil {
			out = append(out, *info)
		}
	}
	return out
}

// dial connects to a multiaddr, falling back to a circuit dial through the
// active relay when the direct attempt fails and the address names a bare
// peer.
func (n *Node) dial(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if err := n.host.Connect(dialCtx, *info); err == nil {
		return nil
	} else if len(info.Addrs) > 0 {
		return fmt.Errorf("dial %s failed: %w", info.ID, err)
	}

	// Bare peer ID: the peer may only be reachable via relay.
	active, ok := n.pool.Active()
	if !ok {
		return fmt.Errorf("peer %s unreachable and no relay is active", info.ID)
	}
	circuitAddrs, err := circuitAddrFor(active, info.ID)
	if err != nil || len(circuitAddrs) == 0 {
		return fmt.Errorf("failed to derive circuit address for %s", info.ID)
	}
	relayCtx, cancelRelay := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancelRelay()
	return n.host.Connect(relayCtx, peer.AddrInfo{ID: info.ID, Addrs: circuitAddrs})
}

func (n *Node) teardown() {
	n.teardownOnce.Do(func() {
		if n.mdns != nil {
			_ = n.mdns.Close()
		}
		if err := n.kdht.Close(); err != nil {
			n.log.WithError(err).Debug("dht close failed")
		}
		if err := n.host.Close(); err != nil {
			n.log.WithError(err).Debug("host close failed")
		}
		n.events.Close()
	})
}

// send queues a command unless the swarm has shut down.
func (n *Node) send(ctx context.Context, cmd command) error {
	select {
	case n.cmds <- cmd:
		return nil
	case <-n.done:
		return errors.New("swarm is not running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials a peer by multiaddr (or bare /p2p/ address via relay).
func (n *Node) Connect(ctx context.Context, addr string) error {
	reply := make(chan error, 1)
	if err := n.send(ctx, connectCmd{addr: addr, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes all connections to a peer.
func (n *Node) Disconnect(ctx context.Context, p peer.ID) error {
	reply := make(chan error, 1)
	if err := n.send(ctx, disconnectCmd{peerID: p, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutValue stores a record under a namespaced routing key.
func (n *Node) PutValue(ctx context.Context, key string, value []byte) error {
	reply := make(chan error, 1)
	if err := n.send(ctx, putValueCmd{key: key, value: value, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetValue fetches a record by its namespaced routing key.
func (n *Node) GetValue(ctx context.Context, key string) ([]byte, error) {
	reply := make(chan getValueResult, 1)
	if err := n.send(ctx, getValueCmd{key: key, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Provide announces this node as a provider for c.
func (n *Node) Provide(ctx context.Context, c cid.Cid) error {
	reply := make(chan error, 1)
	if err := n.send(ctx, provideCmd{c: c, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FindProviders returns peers believed to provide c.
func (n *Node) FindProviders(ctx context.Context, c cid.Cid, limit int) ([]peer.AddrInfo, error) {
	reply := make(chan findProvidersResult, 1)
	if err := n.send(ctx, findProvidersCmd{c: c, limit: limit, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.peers, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bootstrap triggers a routing table refresh.
func (n *Node) Bootstrap(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := n.send(ctx, bootstrapCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the swarm task and closes the host, waiting up to the
// shutdown cap for the acknowledgement.
func (n *Node) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case n.cmds <- shutdownCmd{reply: reply}:
	case <-n.done:
		return nil
	case <-time.After(shutdownCap):
		n.cancel()
		return ErrShutdownTimeout
	}

	defer n.cancel()
	select {
	case <-reply:
		return nil
	case <-n.done:
		return nil
	case <-time.After(shutdownCap):
		return ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
