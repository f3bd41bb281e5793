// The chiral-relay command runs a circuit relay server with the HTTP
// share proxy. It forwards traffic for NATed peers and proxies drive
// shares to their owners' local servers; it never stores file bytes.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chiral-network/chiral-network/internal/config"
	"github.com/chiral-network/chiral-network/internal/shareproxy"
	"github.com/chiral-network/chiral-network/pkg/identity"
)

var version = "dev"

func main() {
	var cfgPath string
	var publicAddrs []string

	root := &cobra.Command{
		Use:     "chiral-relay",
		Short:   "Chiral Network circuit relay and share proxy",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay(cfgPath)
			if err != nil {
				return err
			}
			if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
				logrus.SetLevel(lvl)
			}
			return run(cfg, publicAddrs)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	root.Flags().StringSliceVar(&publicAddrs, "public-addr", nil,
		"externally reachable multiaddr(s) of this relay, e.g. /ip4/203.0.113.5/tcp/4002")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Relay, publicAddrs []string) error {
	log := logrus.WithField("component", "relay")

	idPath := cfg.IdentityFile
	if idPath == "" {
		idPath = filepath.Join(cfg.DataDir, "relay-identity.json")
	}
	id, err := identity.LoadOrCreate(idPath, cfg.IdentitySecret)
	if err != nil {
		return err
	}
	priv, err := id.Libp2pKey()
	if err != nil {
		return err
	}

	agent := "chiral-relay/" + version
	if cfg.Alias != "" {
		agent = agent + " " + cfg.Alias
	}

	// The relay must advertise its externally reachable addresses before
	// the first RESERVE is negotiated. Otherwise the first RESERVE_OK
	// carries an empty address list, the client rejects the reservation,
	// and every later STOP from a dialer is denied with NO_RESERVATION.
	// ForceReachabilityPublic plus the address factory below make the
	// external set available from the first exchange.
	extern := parsePublicAddrs(publicAddrs)

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.UserAgent(agent),
		libp2p.ForceReachabilityPublic(),
		libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
			return advertisedAddrs(addrs, extern)
		}),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create relay host: %w", err)
	}
	defer h.Close()

	resources := relayv2.DefaultResources()
	resources.MaxReservations = cfg.MaxReservations
	resources.MaxCircuits = cfg.MaxCircuitsPerPeer
	resources.Limit = &relayv2.RelayLimit{
		Duration: time.Duration(cfg.MaxCircuitMinutes) * time.Minute,
		Data:     cfg.MaxCircuitBytes,
	}

	relaySvc, err := relayv2.New(h, relayv2.WithResources(resources))
	if err != nil {
		return fmt.Errorf("failed to start relay service: %w", err)
	}
	defer relaySvc.Close()

	log.WithFields(logrus.Fields{
		"peer":            h.ID().String(),
		"maxReservations": resources.MaxReservations,
		"circuitBytes":    cfg.MaxCircuitBytes,
	}).Info("relay service running")
	printAddrs(h)

	// The share proxy is the relay's only HTTP surface and its registry
	// the only persistent state.
	registry := shareproxy.NewRegistry(cfg.DataDir)
	if err := registry.Load(); err != nil {
		log.WithError(err).Warn("share registry load failed")
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: shareproxy.Handler(registry),
	}
	go func() {
		log.WithField("addr", httpSrv.Addr).Info("share proxy listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("share proxy stopped")
		}
	}()
	defer httpSrv.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

func parsePublicAddrs(addrs []string) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			logrus.WithField("addr", s).WithError(err).Warn("skipping malformed public address")
			continue
		}
		out = append(out, addr)
	}
	return out
}

// advertisedAddrs prefers configured public addresses, falling back to the
// routable subset of the listen addresses. Unroutable wildcard and
// loopback addresses are left out unless neither source yields anything,
// in which case every listen address is advertised.
func advertisedAddrs(listen []ma.Multiaddr, extern []ma.Multiaddr) []ma.Multiaddr {
	out := append([]ma.Multiaddr(nil), extern...)
	for _, addr := range listen {
		if manet.IsPublicAddr(addr) {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		// Last resort: advertise everything we have so reservations are
		// at least testable on a flat network.
		return listen
	}
	return out
}

func printAddrs(h host.Host) {
	for _, addr := range h.Addrs() {
		fmt.Printf("Listening: %s/p2p/%s\n", addr, h.ID())
	}
}
