// Package relay implements the circuit-relay client side: a pool of
// preferred relays with reservation de-duplication, renewal before expiry
// and failover ordering. The relay server lives in cmd/chiral-relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// State tracks one (local, relay) reservation.
type State int

const (
	StateNone State = iota
	StatePending
	StateAccepted
	StateRenewing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateRenewing:
		return "renewing"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// ErrNoAddressesInReservation indicates the relay's RESERVE_OK carried no
// external addresses. Such a reservation is unusable: dialers would be
// denied at STOP time, so the client rejects it outright.
var ErrNoAddressesInReservation = errors.New("relay reservation carried no addresses")

// renewalMargin is how long before expiry a reservation is renewed.
const renewalMargin = 2 * time.Minute

// Status is a snapshot of one relay slot.
type Status struct {
	Relay       peer.ID       `json:"relay"`
	State       State         `json:"state"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	LastSuccess time.Time     `json:"lastSuccess"`
	RTT         time.Duration `json:"rtt"`
	LastError   string        `json:"lastError,omitempty"`
}

type slot struct {
	info        peer.AddrInfo
	state       State
	expiresAt   time.Time
	addrs       []ma.Multiaddr
	lastSuccess time.Time
	rtt         time.Duration
	lastErr     error
}

// reserveFunc performs one reservation exchange; swapped out by tests.
type reserveFunc func(ctx context.Context, h host.Host, relay peer.AddrInfo) (expiry time.Time, addrs []ma.Multiaddr, err error)

func libp2pReserve(ctx context.Context, h host.Host, relay peer.AddrInfo) (time.Time, []ma.Multiaddr, error) {
	rsv, err := client.Reserve(ctx, h, relay)
	if err != nil {
		return time.Time{}, nil, err
	}
	return rsv.Expiration, rsv.Addrs, nil
}

// Pool manages reservations against a set of preferred relays. At most one
// reservation exists per relay peer regardless of how many addresses of
// that relay are known; duplicate listen requests collapse onto the
// in-flight or accepted slot.
type Pool struct {
	mu    sync.Mutex
	host  host.Host
	self  peer.ID
	slots map[peer.ID]*slot

	reserve reserveFunc
	now     func() time.Time
	log     *logrus.Entry
}

// NewPool creates an empty pool for h.
func NewPool(h host.Host) *Pool {
	return &Pool{
		host:    h,
		self:    h.ID(),
		slots:   make(map[peer.ID]*slot),
		reserve: libp2pReserve,
		now:     time.Now,
		log:     logrus.WithField("component", "relay-pool"),
	}
}

// AddRelay registers a preferred relay. Addresses of an already-known relay
// are merged into its slot.
func (p *Pool) AddRelay(info peer.AddrInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.slots[info.ID]; ok {
		existing.info.Addrs = mergeMultiaddrs(existing.info.Addrs, info.Addrs)
		return
	}
	p.slots[info.ID] = &slot{info: info, state: StateNone}
}

// Listen obtains a reservation at the given relay. Concurrent or repeated
// calls for the same relay peer (for example via its IPv4 and IPv6
// addresses) collapse to a single reservation attempt.
func (p *Pool) Listen(ctx context.Context, relay peer.AddrInfo) error {
	p.mu.Lock()
	s, ok := p.slots[relay.ID]
	if !ok {
		s = &slot{info: relay, state: StateNone}
		p.slots[relay.ID] = s
	} else {
		s.info.Addrs = mergeMultiaddrs(s.info.Addrs, relay.Addrs)
	}

	switch s.state {
	case StatePending, StateRenewing:
		// A reservation exchange is already in flight; a second RESERVE
		// would corrupt the relay's single-slot handler state.
		p.mu.Unlock()
		return nil
	case StateAccepted:
		if p.now().Before(s.expiresAt) {
			p.mu.Unlock()
			return nil
		}
		// fall through: stale acceptance, renegotiate
	}
	s.state = StatePending
	info := s.info
	p.mu.Unlock()

	return p.doReserve(ctx, info)
}

// doReserve runs one reservation exchange and publishes the result.
func (p *Pool) doReserve(ctx context.Context, info peer.AddrInfo) error {
	start := p.now()
	expiry, addrs, err := p.reserve(ctx, p.host, info)

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[info.ID]
	if !ok {
		return nil
	}

	if err != nil {
		s.state = StateNone
		s.lastErr = err
		return fmt.Errorf("reservation at %s failed: %w", info.ID, err)
	}
	if len(addrs) == 0 {
		s.state = StateNone
		s.lastErr = ErrNoAddressesInReservation
		return fmt.Errorf("reservation at %s rejected: %w", info.ID, ErrNoAddressesInReservation)
	}

	s.state = StateAccepted
	s.expiresAt = expiry
	s.addrs = addrs
	s.lastSuccess = p.now()
	s.rtt = p.now().Sub(start)
	s.lastErr = nil
	p.log.WithFields(logrus.Fields{
		"relay":   info.ID.String(),
		"expires": expiry,
	}).Info("relay reservation accepted")
	return nil
}

// RenewDue renews every accepted reservation that expires within the
// renewal margin. A failed renewal expires the slot, which also withdraws
// the derived circuit listen address.
func (p *Pool) RenewDue(ctx context.Context) {
	p.mu.Lock()
	var due []peer.AddrInfo
	deadline := p.now().Add(renewalMargin)
	for _, s := range p.slots {
		if s.state == StateAccepted && s.expiresAt.Before(deadline) {
			s.state = StateRenewing
			due = append(due, s.info)
		}
	}
	p.mu.Unlock()

	for _, info := range due {
		expiry, addrs, err := p.reserve(ctx, p.host, info)
		p.mu.Lock()
		s, ok := p.slots[info.ID]
		if !ok {
			p.mu.Unlock()
			continue
		}
		if err != nil || len(addrs) == 0 {
			s.state = StateExpired
			s.addrs = nil
			if err == nil {
				err = ErrNoAddressesInReservation
			}
			s.lastErr = err
			p.log.WithField("relay", info.ID.String()).WithError(err).
				Warn("relay reservation renewal failed")
		} else {
			s.state = StateAccepted
			s.expiresAt = expiry
			s.addrs = addrs
			s.lastSuccess = p.now()
			s.lastErr = nil
		}
		p.mu.Unlock()
	}
}

// Run drives renewal until ctx ends.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RenewDue(ctx)
		}
	}
}

// Active returns the relay to dial through right now: the accepted slot
// with the most recent successful reservation, ties broken by measured
// RTT. ok is false when no reservation is live.
func (p *Pool) Active() (peer.AddrInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var accepted []*slot
	for _, s := range p.slots {
		if s.state == StateAccepted && p.now().Before(s.expiresAt) {
			accepted = append(accepted, s)
		}
	}
	if len(accepted) == 0 {
		return peer.AddrInfo{}, false
	}
	sort.Slice(accepted, func(i, j int) bool {
		if !accepted[i].lastSuccess.Equal(accepted[j].lastSuccess) {
			return accepted[i].lastSuccess.After(accepted[j].lastSuccess)
		}
		if accepted[i].rtt != accepted[j].rtt {
			return accepted[i].rtt < accepted[j].rtt
		}
		return accepted[i].info.ID < accepted[j].info.ID
	})
	return accepted[0].info, true
}

// CircuitAddrs returns this node's circuit listen addresses derived from
// every live reservation: <relay>/p2p-circuit/p2p/<self>.
func (p *Pool) CircuitAddrs() []ma.Multiaddr {
	p.mu.Lock()
	defer p.mu.Unlock()

	selfSuffix, err := ma.NewMultiaddr("/p2p-circuit/p2p/" + p.self.String())
	if err != nil {
		return nil
	}

	var out []ma.Multiaddr
	for _, s := range p.slots {
		if s.state != StateAccepted || !p.now().Before(s.expiresAt) {
			continue
		}
		for _, base := range s.addrs {
			out = append(out, base.Encapsulate(selfSuffix))
		}
	}
	return out
}

// Statuses reports every slot for diagnostics.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.slots))
	for id, s := range p.slots {
		st := Status{
			Relay:       id,
			State:       s.state,
			ExpiresAt:   s.expiresAt,
			LastSuccess: s.lastSuccess,
			RTT:         s.rtt,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relay < out[j].Relay })
	return out
}

// AcceptedCount returns the number of live reservations.
func (p *Pool) AcceptedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.state == StateAccepted && p.now().Before(s.expiresAt) {
			n++
		}
	}
	return n
}

func mergeMultiaddrs(existing, incoming []ma.Multiaddr) []ma.Multiaddr {
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a.String()] = struct{}{}
	}
	for _, a := range incoming {
		if _, dup := seen[a.String()]; !dup {
			existing = append(existing, a)
			seen[a.String()] = struct{}{}
		}
	}
	return existing
}
