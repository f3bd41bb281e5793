// Package reachability classifies the local node as publicly reachable,
// NAT-bound or unknown from AutoNAT probe outcomes and observed-address
// signals. The estimator only observes; it never mutates networking state.
package reachability

import (
	"sync"
	"time"
)

// State is the node's assessed reachability.
type State string

const (
	// Unknown means no conclusive probe evidence either way.
	Unknown State = "unknown"
	// Public means probes confirm inbound connections succeed.
	Public State = "public"
	// Private means probes indicate the node sits behind a NAT.
	Private State = "private"
)

// Confidence grades how settled the current state is.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// historySize is the record ring-buffer depth.
const historySize = 10

// Record is one state transition kept in the history ring.
type Record struct {
	State      State      `json:"state"`
	Confidence Confidence `json:"confidence"`
	At         time.Time  `json:"at"`
	Summary    string     `json:"summary,omitempty"`
}

// Snapshot is the published view of the estimator.
type Snapshot struct {
	State         State      `json:"state"`
	Confidence    Confidence `json:"confidence"`
	LastProbeAt   time.Time  `json:"lastProbeAt"`
	ObservedAddrs []string   `json:"observedAddrs"`
	LastError     string     `json:"lastError,omitempty"`
	History       []Record   `json:"history"`
}

// Estimator consumes probe outcomes and address events and derives
// {state, confidence}. Confidence follows streak length: 0-1 low, 2-3
// medium, 4+ high.
type Estimator struct {
	mu sync.Mutex

	state         State
	confidence    Confidence
	successStreak int
	failureStreak int
	lastProbeAt   time.Time
	lastError     string
	observedAddrs []string
	history       []Record

	now func() time.Time
}

// New creates an estimator in the Unknown state.
func New() *Estimator {
	return &Estimator{
		state:      Unknown,
		confidence: Low,
		now:        time.Now,
	}
}

// RecordProbe feeds one AutoNAT probe outcome. A successful probe that
// confirmed inbound dialing implies Public; a definitive failed dial-back
// implies Private. probeErr annotates failures.
func (e *Estimator) RecordProbe(public bool, probeErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastProbeAt = e.now()
	var next State
	if public {
		next = Public
		e.successStreak++
		e.failureStreak = 0
		e.lastError = ""
	} else {
		next = Private
		e.failureStreak++
		e.successStreak = 0
		e.lastError = probeErr
	}

	streak := e.successStreak
	if !public {
		streak = e.failureStreak
	}

	if next != e.state {
		// A state flip restarts the evidence count.
		if public {
			e.successStreak = 1
		} else {
			e.failureStreak = 1
		}
		streak = 1
		e.transitionLocked(next, confidenceForStreak(1), probeErr)
		return
	}
	e.confidence = confidenceForStreak(streak)
}

// SetObservedAddrs replaces the set of externally observed addresses. An
// empty set while the state is decided drops the estimator back to Unknown.
func (e *Estimator) SetObservedAddrs(addrs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observedAddrs = append([]string(nil), addrs...)
	if len(addrs) == 0 && e.state != Unknown {
		e.successStreak = 0
		e.failureStreak = 0
		e.transitionLocked(Unknown, Low, "observed external addresses expired")
	}
}

// transitionLocked pushes the state change into the ring buffer.
func (e *Estimator) transitionLocked(next State, conf Confidence, summary string) {
	e.state = next
	e.confidence = conf
	e.history = append(e.history, Record{
		State:      next,
		Confidence: conf,
		At:         e.now(),
		Summary:    summary,
	})
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
}

// Snapshot returns the current published view.
func (e *Estimator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:         e.state,
		Confidence:    e.confidence,
		LastProbeAt:   e.lastProbeAt,
		ObservedAddrs: append([]string(nil), e.observedAddrs...),
		LastError:     e.lastError,
		History:       append([]Record(nil), e.history...),
	}
}

func confidenceForStreak(streak int) Confidence {
	switch {
	case streak >= 4:
		return High
	case streak >= 2:
		return Medium
	default:
		return Low
	}
}
