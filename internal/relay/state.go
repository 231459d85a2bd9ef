package relay

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/internal/mcp"
)

// State is the per-upstream state machine the Relay observes (spec §4.6
// "State machine per upstream").
type State int

const (
	StateNew State = iota
	StateInitialized
	StateBaselineEstablished
	StateServing
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateBaselineEstablished:
		return "baseline_established"
	case StateServing:
		return "serving"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// upstreamHandle is the Relay's bookkeeping for one upstream connection: its
// live client, the backend name its guard chain is keyed under, and the
// small state machine spec §4.6 describes. Blocked is a sideways transition
// reachable from any state, set by a sticky rug-pull denial, and never
// cleared: handles are built once and not rebuilt on config reload.
type upstreamHandle struct {
	name         string
	alwaysPrefix bool
	backend      string // guard-config key; always the upstream's name
	up           *mcp.Upstream

	mu       sync.Mutex
	state    State
	executor *guard.Executor
}

func (h *upstreamHandle) getState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *upstreamHandle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Blocked is sticky: nothing downgrades it.
	if h.state == StateBlocked {
		return
	}
	h.state = s
}

func (h *upstreamHandle) block() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateBlocked
}
