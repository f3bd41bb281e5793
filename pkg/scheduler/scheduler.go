// Package scheduler assigns outstanding file chunks to peers under
// concurrency, retry and timeout budgets. It owns the active-request table
// and the per-chunk state vector; callers feed it peer health and chunk
// outcomes and drain assignment batches from GetNextRequests.
package scheduler

import (
	"sync"
	"time"
)

// ChunkState tracks one chunk through the download.
type ChunkState int

const (
	// Unrequested means the chunk still needs a peer assignment.
	Unrequested ChunkState = iota
	// Requested means an assignment is in flight.
	Requested
	// Received means the chunk arrived and verified.
	Received
	// Corrupted means the chunk arrived but failed verification.
	Corrupted
)

func (s ChunkState) String() string {
	switch s {
	case Unrequested:
		return "UNREQUESTED"
	case Requested:
		return "REQUESTED"
	case Received:
		return "RECEIVED"
	case Corrupted:
		return "CORRUPTED"
	}
	return "UNKNOWN"
}

// Selection strategies.
const (
	StrategyLoadBalanced = "load-balanced"
	StrategyFastestFirst = "fastest-first"
)

// Config bounds the scheduler's behaviour.
type Config struct {
	MaxConcurrentPerPeer int
	ChunkTimeout         time.Duration
	MaxRetries           int
	Strategy             string
}

// DefaultConfig matches the network defaults: three in-flight requests per
// peer, 30 s chunk timeout, three retries, load-balanced selection.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerPeer: 3,
		ChunkTimeout:         30 * time.Second,
		MaxRetries:           3,
		Strategy:             StrategyLoadBalanced,
	}
}

// PeerMetrics is the scheduler's view of one peer. AvgResponse is an EMA
// with alpha 0.2.
type PeerMetrics struct {
	PeerID             string
	Available          bool
	LastSeen           time.Time
	PendingRequests    int
	MaxConcurrent      int
	AvgResponse        time.Duration
	Failures           int
	SupportsEncryption bool
}

// ChunkRequest is one chunk assignment handed to the transfer layer.
type ChunkRequest struct {
	ChunkIndex int
	PeerID     string
	SentAt     time.Time
	Timeout    time.Duration
}

// Scheduler holds all download scheduling state. Safe for concurrent use;
// every public method serialises on one mutex, so a GetNextRequests batch
// is atomic with respect to other callers.
type Scheduler struct {
	mu sync.Mutex

	config         Config
	peers          map[string]*PeerMetrics
	activeRequests map[int]*ChunkRequest
	chunkStates    []ChunkState
	retryCount     map[int]int

	// lastFailedPeer keeps a corrupted chunk away from the peer that
	// produced the bad bytes on the next assignment round.
	lastFailedPeer map[int]string

	now func() time.Time
}

// New creates a scheduler with cfg.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrentPerPeer <= 0 {
		cfg.MaxConcurrentPerPeer = 3
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLoadBalanced
	}
	return &Scheduler{
		config:         cfg,
		peers:          make(map[string]*PeerMetrics),
		activeRequests: make(map[int]*ChunkRequest),
		retryCount:     make(map[int]int),
		lastFailedPeer: make(map[int]string),
		now:            time.Now,
	}
}

// Init resets all chunk state for a download of chunkCount chunks.
func (s *Scheduler) Init(chunkCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkStates = make([]ChunkState, chunkCount)
	s.activeRequests = make(map[int]*ChunkRequest)
	s.retryCount = make(map[int]int)
	s.lastFailedPeer = make(map[int]string)
}

// AddPeer registers a peer. maxConcurrent <= 0 selects the configured
// per-peer default.
func (s *Scheduler) AddPeer(peerID string, maxConcurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxConcurrent <= 0 {
		maxConcurrent = s.config.MaxConcurrentPerPeer
	}
	s.peers[peerID] = &PeerMetrics{
		PeerID:        peerID,
		Available:     true,
		LastSeen:      s.now(),
		MaxConcurrent: maxConcurrent,
		AvgResponse:   time.Second,
	}
}

// RemovePeer drops a peer and returns every chunk it had in flight to
// Unrequested.
func (s *Scheduler) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, req := range s.activeRequests {
		if req.PeerID == peerID {
			delete(s.activeRequests, idx)
			if idx < len(s.chunkStates) {
				s.chunkStates[idx] = Unrequested
			}
		}
	}
	delete(s.peers, peerID)
}

// UpdatePeerHealth records an availability signal and, optionally, a
// response-time sample.
func (s *Scheduler) UpdatePeerHealth(peerID string, available bool, responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return
	}
	p.Available = available
	p.LastSeen = s.now()
	if responseTime > 0 {
		p.AvgResponse = ema(p.AvgResponse, responseTime)
	}
	if !available {
		p.Failures++
	}
}

// SetPeerEncryptionSupport records whether a peer can serve sealed chunks.
func (s *Scheduler) SetPeerEncryptionSupport(peerID string, supported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		p.SupportsEncryption = supported
	}
}

// OnChunkReceived marks a chunk received and credits the serving peer.
func (s *Scheduler) OnChunkReceived(chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.activeRequests[chunkIndex]; ok {
		delete(s.activeRequests, chunkIndex)
		if p, pok := s.peers[req.PeerID]; pok {
			if p.PendingRequests > 0 {
				p.PendingRequests--
			}
			p.LastSeen = s.now()
			p.AvgResponse = ema(p.AvgResponse, s.now().Sub(req.SentAt))
		}
	}
	if chunkIndex < len(s.chunkStates) {
		s.chunkStates[chunkIndex] = Received
	}
	delete(s.lastFailedPeer, chunkIndex)
}

// OnChunkFailed records a failed chunk. corrupted marks bytes that arrived
// but did not verify; the chunk then avoids the failing peer on the next
// assignment round.
func (s *Scheduler) OnChunkFailed(chunkIndex int, corrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(chunkIndex, corrupted)
}

func (s *Scheduler) failLocked(chunkIndex int, corrupted bool) {
	if req, ok := s.activeRequests[chunkIndex]; ok {
		delete(s.activeRequests, chunkIndex)
		if p, pok := s.peers[req.PeerID]; pok {
			if p.PendingRequests > 0 {
				p.PendingRequests--
			}
			p.Failures++
		}
		if corrupted {
			s.lastFailedPeer[chunkIndex] = req.PeerID
		}
	}
	if chunkIndex < len(s.chunkStates) {
		if corrupted {
			s.chunkStates[chunkIndex] = Corrupted
		} else {
			s.chunkStates[chunkIndex] = Unrequested
		}
	}
	s.retryCount[chunkIndex]++
}

// GetNextRequests reclaims timed-out requests, then assigns up to budget
// unrequested chunks to available peers under the configured strategy.
// The whole batch is computed atomically.
func (s *Scheduler) GetNextRequests(budget int) []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.handleTimeoutsLocked(now)

	candidates := s.chunksToRequestLocked(budget)

	available := make([]*PeerMetrics, 0, len(s.peers))
	for _, p := range s.peers {
		if p.Available && p.PendingRequests < p.MaxConcurrent {
			available = append(available, p)
		}
	}
	sortPeers(available, s.config.Strategy)

	var out []ChunkRequest
	peerIndex := 0

	for _, chunkIndex := range candidates {
		if len(out) >= budget || len(available) == 0 {
			break
		}

		avoid := s.lastFailedPeer[chunkIndex]

		var selected *PeerMetrics
		for probe := 0; probe < len(available); probe++ {
			p := available[peerIndex%len(available)]
			if p.PendingRequests < p.MaxConcurrent && p.PeerID != avoid {
				selected = p
				break
			}
			peerIndex++
		}
		if selected == nil {
			// The avoided peer may be the only one left with capacity.
			for probe := 0; probe < len(available); probe++ {
				p := available[peerIndex%len(available)]
				if p.PendingRequests < p.MaxConcurrent {
					selected = p
					break
				}
				peerIndex++
			}
		}
		if selected == nil {
			break
		}

		selected.PendingRequests++
		req := &ChunkRequest{
			ChunkIndex: chunkIndex,
			PeerID:     selected.PeerID,
			SentAt:     now,
			Timeout:    s.config.ChunkTimeout,
		}
		s.activeRequests[chunkIndex] = req
		if chunkIndex < len(s.chunkStates) {
			s.chunkStates[chunkIndex] = Requested
		}
		delete(s.lastFailedPeer, chunkIndex)
		out = append(out, *req)
		peerIndex++
	}

	return out
}

func (s *Scheduler) handleTimeoutsLocked(now time.Time) {
	var timedOut []int
	for idx, req := range s.activeRequests {
		if now.Sub(req.SentAt) > req.Timeout {
			timedOut = append(timedOut, idx)
		}
	}
	for _, idx := range timedOut {
		s.failLocked(idx, false)
	}
}

func (s *Scheduler) chunksToRequestLocked(max int) []int {
	var out []int
	for i, state := range s.chunkStates {
		if len(out) >= max {
			break
		}
		if state == Unrequested || state == Corrupted {
			if s.retryCount[i] < s.config.MaxRetries {
				out = append(out, i)
			}
		}
	}
	return out
}

// IsComplete reports whether every chunk has been received.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.chunkStates {
		if state != Received {
			return false
		}
	}
	return len(s.chunkStates) > 0
}

// Abandoned reports chunks that exhausted their retry budget without being
// received. A non-empty result is a terminal download failure.
func (s *Scheduler) Abandoned() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i, state := range s.chunkStates {
		if state != Received && state != Requested && s.retryCount[i] >= s.config.MaxRetries {
			out = append(out, i)
		}
	}
	return out
}

// ActiveRequests returns a copy of the in-flight request table.
func (s *Scheduler) ActiveRequests() []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChunkRequest, 0, len(s.activeRequests))
	for _, req := range s.activeRequests {
		out = append(out, *req)
	}
	return out
}

// Peers returns a snapshot of all peer metrics.
func (s *Scheduler) Peers() []PeerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerMetrics, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// State summarises progress for event emission.
type State struct {
	CompletedChunks int `json:"completedChunks"`
	TotalChunks     int `json:"totalChunks"`
	ActiveRequests  int `json:"activeRequests"`
	AvailablePeers  int `json:"availablePeers"`
	TotalPeers      int `json:"totalPeers"`
}

// Snapshot returns the current progress summary.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		TotalChunks:    len(s.chunkStates),
		ActiveRequests: len(s.activeRequests),
		TotalPeers:     len(s.peers),
	}
	for _, cs := range s.chunkStates {
		if cs == Received {
			st.CompletedChunks++
		}
	}
	for _, p := range s.peers {
		if p.Available {
			st.AvailablePeers++
		}
	}
	return st
}

// CleanupInactivePeers removes peers not seen within maxAge.
func (s *Scheduler) CleanupInactivePeers(maxAge time.Duration) {
	s.mu.Lock()
	cutoff := s.now().Add(-maxAge)
	var stale []string
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.RemovePeer(id)
	}
}

// ema applies the response-time smoothing: new = 0.8*old + 0.2*sample.
func ema(old, sample time.Duration) time.Duration {
	return time.Duration(float64(old)*0.8 + float64(sample)*0.2)
}

func sortPeers(peers []*PeerMetrics, strategy string) {
	switch strategy {
	case StrategyFastestFirst:
		sortSlice(peers, func(a, b *PeerMetrics) bool {
			if a.AvgResponse != b.AvgResponse {
				return a.AvgResponse < b.AvgResponse
			}
			return a.PeerID < b.PeerID
		})
	case StrategyLoadBalanced:
		sortSlice(peers, func(a, b *PeerMetrics) bool {
			if a.PendingRequests != b.PendingRequests {
				return a.PendingRequests < b.PendingRequests
			}
			if a.MaxConcurrent != b.MaxConcurrent {
				return a.MaxConcurrent < b.MaxConcurrent
			}
			return a.PeerID < b.PeerID
		})
	}
}

// sortSlice is an insertion sort; peer lists are small and the stable,
// deterministic order matters more than asymptotics here.
func sortSlice(peers []*PeerMetrics, less func(a, b *PeerMetrics) bool) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && less(peers[j], peers[j-1]); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}
