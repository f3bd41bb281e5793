package scheduler

import (
	"testing"
	"time"
)

func newTestScheduler(cfg Config) (*Scheduler, *time.Time) {
	s := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestLoadBalancedAlternation(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(6)
	s.AddPeer("peer-a", 3)
	s.AddPeer("peer-b", 3)

	reqs := s.GetNextRequests(4)
	if len(reqs) != 4 {
		t.Fatalf("Got %d requests, want 4", len(reqs))
	}

	// Both peers have capacity, so consecutive assignments alternate.
	for i := 1; i < len(reqs); i++ {
		if reqs[i].PeerID == reqs[i-1].PeerID {
			t.Errorf("Assignments %d and %d both went to %s", i-1, i, reqs[i].PeerID)
		}
	}
}

func TestFastestFirstPrefersLowLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFastestFirst
	s, _ := newTestScheduler(cfg)
	s.Init(1)
	s.AddPeer("slow", 3)
	s.AddPeer("fast", 3)

	// Feed samples: the EMA pulls the peers apart.
	for i := 0; i < 10; i++ {
		s.UpdatePeerHealth("slow", true, 2*time.Second)
		s.UpdatePeerHealth("fast", true, 50*time.Millisecond)
	}

	reqs := s.GetNextRequests(1)
	if len(reqs) != 1 {
		t.Fatalf("Got %d requests, want 1", len(reqs))
	}
	if reqs[0].PeerID != "fast" {
		t.Errorf("fastest-first assigned to %s", reqs[0].PeerID)
	}
}

func TestConcurrencyBudgetRespected(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(10)
	s.AddPeer("only", 2)

	reqs := s.GetNextRequests(10)
	if len(reqs) != 2 {
		t.Errorf("Got %d requests, want 2 (peer capacity)", len(reqs))
	}

	// No capacity left: nothing more is assigned.
	if more := s.GetNextRequests(10); len(more) != 0 {
		t.Errorf("Got %d extra requests with a saturated peer", len(more))
	}

	// Completing one chunk frees one slot.
	s.OnChunkReceived(reqs[0].ChunkIndex)
	if more := s.GetNextRequests(10); len(more) != 1 {
		t.Errorf("Got %d requests after freeing one slot, want 1", len(more))
	}
}

func TestTimeoutReclaim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTimeout = 10 * time.Second
	s, now := newTestScheduler(cfg)
	s.Init(2)
	s.AddPeer("p", 2)

	reqs := s.GetNextRequests(2)
	if len(reqs) != 2 {
		t.Fatalf("Got %d requests, want 2", len(reqs))
	}

	*now = now.Add(11 * time.Second)
	s.GetNextRequests(0) // budget 0: only the timeout sweep runs

	for _, req := range s.ActiveRequests() {
		if s.now().Sub(req.SentAt) > req.Timeout {
			t.Errorf("Chunk %d still active past its timeout", req.ChunkIndex)
		}
	}

	// The timed-out chunks are assignable again and the peer's failure
	// count reflects the misses.
	again := s.GetNextRequests(2)
	if len(again) != 2 {
		t.Errorf("Got %d reassignments after timeout, want 2", len(again))
	}
	peers := s.Peers()
	if peers[0].Failures != 2 {
		t.Errorf("Peer failures = %d, want 2", peers[0].Failures)
	}
}

func TestRetryBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	s, _ := newTestScheduler(cfg)
	s.Init(1)
	s.AddPeer("p", 1)

	requested := 0
	for i := 0; i < 10; i++ {
		reqs := s.GetNextRequests(1)
		if len(reqs) == 0 {
			break
		}
		requested++
		s.OnChunkFailed(reqs[0].ChunkIndex, false)
	}

	if requested != cfg.MaxRetries {
		t.Errorf("Chunk was requested %d times, want %d", requested, cfg.MaxRetries)
	}
	if abandoned := s.Abandoned(); len(abandoned) != 1 || abandoned[0] != 0 {
		t.Errorf("Abandoned = %v, want [0]", abandoned)
	}
	if s.IsComplete() {
		t.Error("IsComplete true with an abandoned chunk")
	}
}

func TestCorruptedAvoidsSamePeer(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(1)
	s.AddPeer("bad", 3)
	s.AddPeer("good", 3)

	reqs := s.GetNextRequests(1)
	if len(reqs) != 1 {
		t.Fatalf("Got %d requests, want 1", len(reqs))
	}
	first := reqs[0].PeerID
	s.OnChunkFailed(0, true)

	again := s.GetNextRequests(1)
	if len(again) != 1 {
		t.Fatalf("Corrupted chunk was not rescheduled")
	}
	if again[0].PeerID == first {
		t.Errorf("Corrupted chunk was re-requested from %s immediately", first)
	}
}

func TestCorruptedFallsBackToOnlyPeer(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(1)
	s.AddPeer("only", 3)

	if reqs := s.GetNextRequests(1); len(reqs) != 1 {
		t.Fatalf("initial assignment failed")
	}
	s.OnChunkFailed(0, true)

	// With a single peer the cool-off cannot hold; the chunk still gets
	// retried rather than stalling the download.
	again := s.GetNextRequests(1)
	if len(again) != 1 || again[0].PeerID != "only" {
		t.Errorf("Single-peer fallback failed: %v", again)
	}
}

func TestRemovePeerReturnsChunks(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(3)
	s.AddPeer("gone", 3)

	reqs := s.GetNextRequests(3)
	if len(reqs) != 3 {
		t.Fatalf("Got %d requests, want 3", len(reqs))
	}
	s.RemovePeer("gone")

	if n := len(s.ActiveRequests()); n != 0 {
		t.Errorf("%d requests still active after RemovePeer", n)
	}

	s.AddPeer("fresh", 3)
	again := s.GetNextRequests(3)
	if len(again) != 3 {
		t.Errorf("Got %d reassignments, want 3", len(again))
	}
}

func TestEMAUpdate(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(1)
	s.AddPeer("p", 1)

	// Initial average is one second; a 100 ms sample moves it to
	// 0.8*1000 + 0.2*100 = 820 ms.
	s.UpdatePeerHealth("p", true, 100*time.Millisecond)
	peers := s.Peers()
	if got := peers[0].AvgResponse; got != 820*time.Millisecond {
		t.Errorf("AvgResponse = %v, want 820ms", got)
	}
}

func TestIsCompleteAndSnapshot(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(2)
	s.AddPeer("p", 2)

	if s.IsComplete() {
		t.Error("IsComplete true before any chunk received")
	}

	reqs := s.GetNextRequests(2)
	for _, r := range reqs {
		s.OnChunkReceived(r.ChunkIndex)
	}

	if !s.IsComplete() {
		t.Error("IsComplete false after all chunks received")
	}
	st := s.Snapshot()
	if st.CompletedChunks != 2 || st.TotalChunks != 2 || st.ActiveRequests != 0 {
		t.Errorf("Snapshot = %+v", st)
	}
}

func TestUnavailablePeerSkipped(t *testing.T) {
	s, _ := newTestScheduler(DefaultConfig())
	s.Init(2)
	s.AddPeer("down", 3)
	s.AddPeer("up", 3)
	s.UpdatePeerHealth("down", false, 0)

	reqs := s.GetNextRequests(2)
	for _, r := range reqs {
		if r.PeerID == "down" {
			t.Error("Assignment went to an unavailable peer")
		}
	}
}
