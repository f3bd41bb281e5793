package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const (
	relayPeer  = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"
	relayPeer2 = "12D3KooWPjceQrSwdWXPyLLeABRXmuqt69Rg3sBYbU1Nft9HyQ6X"
	selfPeer   = "12D3KooWQYV9dGMFoRzNStwpXztXaBUjtPqi6aU76ZgUriHhKust"
)

func mustAddrInfo(t *testing.T, id string, addrs ...string) peer.AddrInfo {
	t.Helper()
	pid, err := peer.Decode(id)
	if err != nil {
		t.Fatalf("bad peer id: %v", err)
	}
	info := peer.AddrInfo{ID: pid}
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			t.Fatalf("bad multiaddr %s: %v", a, err)
		}
		info.Addrs = append(info.Addrs, m)
	}
	return info
}

type fakeReserve struct {
	calls  int64
	expiry time.Time
	addrs  []ma.Multiaddr
	err    error
	// block holds attempts open until released, to exercise dedup.
	block chan struct{}
}

func (f *fakeReserve) fn(ctx context.Context, _ host.Host, _ peer.AddrInfo) (time.Time, []ma.Multiaddr, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	return f.expiry, f.addrs, f.err
}

func newTestPool(f *fakeReserve) *Pool {
	self, _ := peer.Decode(selfPeer)
	return &Pool{
		self:    self,
		slots:   make(map[peer.ID]*slot),
		reserve: f.fn,
		now:     time.Now,
		log:     logrus.WithField("component", "relay-pool-test"),
	}
}

func relayAddr(t *testing.T) ma.Multiaddr {
	t.Helper()
	m, err := ma.NewMultiaddr("/ip4/203.0.113.5/tcp/4001/p2p/" + relayPeer)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestListenAccepts(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Hour),
		addrs:  []ma.Multiaddr{relayAddr(t)},
	}
	p := newTestPool(f)

	info := mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")
	if err := p.Listen(context.Background(), info); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if p.AcceptedCount() != 1 {
		t.Errorf("AcceptedCount = %d", p.AcceptedCount())
	}

	circuits := p.CircuitAddrs()
	if len(circuits) != 1 {
		t.Fatalf("CircuitAddrs = %v", circuits)
	}
	want := "/ip4/203.0.113.5/tcp/4001/p2p/" + relayPeer + "/p2p-circuit/p2p/" + selfPeer
	if circuits[0].String() != want {
		t.Errorf("circuit addr = %s, want %s", circuits[0], want)
	}
}

func TestDuplicateListenCollapses(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Hour),
		addrs:  []ma.Multiaddr{relayAddr(t)},
	}
	p := newTestPool(f)

	// The same relay known via IPv4 and IPv6.
	v4 := mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")
	v6 := mustAddrInfo(t, relayPeer, "/ip6/2001:db8::5/tcp/4001")

	if err := p.Listen(context.Background(), v4); err != nil {
		t.Fatalf("Listen v4 failed: %v", err)
	}
	if err := p.Listen(context.Background(), v6); err != nil {
		t.Fatalf("Listen v6 failed: %v", err)
	}

	if f.calls != 1 {
		t.Errorf("reserve ran %d times, want 1", f.calls)
	}
	if p.AcceptedCount() != 1 {
		t.Errorf("AcceptedCount = %d, want 1", p.AcceptedCount())
	}
}

func TestConcurrentListenCollapses(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Hour),
		addrs:  []ma.Multiaddr{relayAddr(t)},
		block:  make(chan struct{}),
	}
	p := newTestPool(f)
	info := mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")

	done := make(chan error, 2)
	go func() { done <- p.Listen(context.Background(), info) }()
	// Give the first call time to claim the pending slot, then race a
	// second one in.
	time.Sleep(20 * time.Millisecond)
	go func() { done <- p.Listen(context.Background(), info) }()
	time.Sleep(20 * time.Millisecond)
	close(f.block)

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("Listen returned %v", err)
		}
	}
	if f.calls != 1 {
		t.Errorf("reserve ran %d times, want 1", f.calls)
	}
}

func TestEmptyAddressesRejected(t *testing.T) {
	f := &fakeReserve{expiry: time.Now().Add(time.Hour)}
	p := newTestPool(f)

	err := p.Listen(context.Background(), mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001"))
	if !errors.Is(err, ErrNoAddressesInReservation) {
		t.Fatalf("Listen = %v, want ErrNoAddressesInReservation", err)
	}
	if p.AcceptedCount() != 0 {
		t.Error("empty-address reservation was accepted")
	}

	// The slot returns to none, so a later attempt may retry.
	sts := p.Statuses()
	if len(sts) != 1 || sts[0].State != StateNone {
		t.Errorf("Statuses = %+v", sts)
	}
}

func TestRenewalFailureExpires(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Minute), // inside the renewal margin
		addrs:  []ma.Multiaddr{relayAddr(t)},
	}
	p := newTestPool(f)

	if err := p.Listen(context.Background(), mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	f.err = errors.New("relay gone")
	p.RenewDue(context.Background())

	sts := p.Statuses()
	if sts[0].State != StateExpired {
		t.Errorf("state after failed renewal = %v, want expired", sts[0].State)
	}
	if len(p.CircuitAddrs()) != 0 {
		t.Error("expired reservation still derives circuit addresses")
	}
}

func TestRenewalSuccessExtends(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Minute),
		addrs:  []ma.Multiaddr{relayAddr(t)},
	}
	p := newTestPool(f)
	if err := p.Listen(context.Background(), mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	f.expiry = time.Now().Add(time.Hour)
	p.RenewDue(context.Background())

	sts := p.Statuses()
	if sts[0].State != StateAccepted {
		t.Errorf("state after renewal = %v", sts[0].State)
	}
	if time.Until(sts[0].ExpiresAt) < 30*time.Minute {
		t.Error("expiry was not extended")
	}
}

func TestActiveFailoverOrdering(t *testing.T) {
	f := &fakeReserve{
		expiry: time.Now().Add(time.Hour),
		addrs:  []ma.Multiaddr{relayAddr(t)},
	}
	p := newTestPool(f)

	first := mustAddrInfo(t, relayPeer, "/ip4/203.0.113.5/tcp/4001")
	second := mustAddrInfo(t, relayPeer2, "/ip4/203.0.113.6/tcp/4001")

	if err := p.Listen(context.Background(), first); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := p.Listen(context.Background(), second); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	// The most recently successful reservation wins.
	active, ok := p.Active()
	if !ok {
		t.Fatal("no active relay")
	}
	if active.ID != second.ID {
		t.Errorf("active = %s, want %s", active.ID, second.ID)
	}

	// Expire the active one; the pool falls over to the other.
	p.mu.Lock()
	p.slots[second.ID].state = StateExpired
	p.mu.Unlock()

	active, ok = p.Active()
	if !ok || active.ID != first.ID {
		t.Errorf("failover active = %v ok=%v, want %s", active.ID, ok, first.ID)
	}
}
