package dht

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// dnsaddrPrefix is the TXT payload marker for bootstrap records.
const dnsaddrPrefix = "dnsaddr="

// lookupTXT is swapped out by tests.
var lookupTXT = func(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

// ResolveDnsaddr fetches bootstrap multiaddrs from the _dnsaddr TXT records
// of domain. Only entries that parse as multiaddrs and carry a peer
// identity component are accepted; the result is deduplicated and sorted.
func ResolveDnsaddr(ctx context.Context, domain string) ([]string, error) {
	records, err := lookupTXT(ctx, "_dnsaddr."+domain)
	if err != nil {
		return nil, fmt.Errorf("dnsaddr lookup for %s failed: %w", domain, err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, txt := range records {
		txt = strings.TrimSpace(txt)
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addrStr := strings.TrimPrefix(txt, dnsaddrPrefix)
		addr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			logrus.WithField("txt", txt).Debug("ignoring unparseable dnsaddr record")
			continue
		}
		if _, err := addr.ValueForProtocol(ma.P_P2P); err != nil {
			logrus.WithField("addr", addrStr).Debug("ignoring dnsaddr record without peer identity")
			continue
		}
		canonical := addr.String()
		if _, dup := seen[canonical]; !dup {
			seen[canonical] = struct{}{}
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CanonicalizeBootstrapAddr trims an address and normalises it through the
// multiaddr parser when possible.
func CanonicalizeBootstrapAddr(input string) string {
	trimmed := strings.TrimSpace(input)
	if addr, err := ma.NewMultiaddr(trimmed); err == nil {
		return addr.String()
	}
	return strings.Join(strings.Fields(trimmed), " ")
}

// CanonicalizeBootstrapSet canonicalises, deduplicates and sorts a
// bootstrap list so that equal sets compare equal regardless of order or
// surrounding whitespace.
func CanonicalizeBootstrapSet(bootstrapNodes []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, node := range bootstrapNodes {
		canonical := CanonicalizeBootstrapAddr(node)
		if canonical == "" {
			continue
		}
		if _, dup := seen[canonical]; !dup {
			seen[canonical] = struct{}{}
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

// ParseBootstrapPeers converts bootstrap multiaddr strings into dialable
// peer infos, dropping malformed entries with a log line.
func ParseBootstrapPeers(addrs []string) []peer.AddrInfo {
	var out []peer.AddrInfo
	for _, s := range addrs {
		info, err := peer.AddrInfoFromString(strings.TrimSpace(s))
		if err != nil {
			logrus.WithField("addr", s).WithError(err).Warn("skipping malformed bootstrap address")
			continue
		}
		out = append(out, *info)
	}
	return out
}
