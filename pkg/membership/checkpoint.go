package membership

import (
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/rs/zerolog"
)

// DisconnectState mirrors the three-state checkpoint/disconnect handshake of
// APUS/RDMA/src/dare/check_point_thread.c (§13 supplemented feature): a
// server about to fall behind (e.g. during a slow snapshot transfer) asks
// the rest of the group to pause removing it, and the group either approves
// or lets the request lapse.
type DisconnectState uint8

const (
	NoDisconnected DisconnectState = iota
	DisconnectRequest
	DisconnectApprove
)

func (s DisconnectState) String() string {
	switch s {
	case NoDisconnected:
		return "NO_DISCONNECTED"
	case DisconnectRequest:
		return "REQUEST"
	case DisconnectApprove:
		return "APPROVE"
	default:
		return "UNKNOWN"
	}
}

// CheckpointCoordinator tracks the disconnect handshake per peer index,
// the way check_point_thread.c guards a server taking a slow snapshot from
// being voted out mid-transfer.
type CheckpointCoordinator struct {
	mu       sync.Mutex
	state    map[uint8]DisconnectState
	deadline map[uint8]time.Time
	grace    time.Duration
	logger   zerolog.Logger
}

// NewCheckpointCoordinator builds a coordinator that expires unrenewed
// REQUESTs after grace.
func NewCheckpointCoordinator(grace time.Duration) *CheckpointCoordinator {
	return &CheckpointCoordinator{
		state:    make(map[uint8]DisconnectState),
		deadline: make(map[uint8]time.Time),
		grace:    grace,
		logger:   logging.WithComponent("checkpoint"),
	}
}

// Request records that peer has asked to be shielded from removal while it
// catches up, starting (or renewing) its grace period.
func (c *CheckpointCoordinator) Request(peer uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[peer] = DisconnectRequest
	c.deadline[peer] = time.Now().Add(c.grace)
}

// Approve marks peer's disconnect request as approved by quorum, suspending
// removal eligibility until the snapshot completes and Clear is called.
func (c *CheckpointCoordinator) Approve(peer uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state[peer] == DisconnectRequest {
		c.state[peer] = DisconnectApprove
	}
}

// Clear returns peer to NO_DISCONNECTED once its snapshot/recovery completes.
func (c *CheckpointCoordinator) Clear(peer uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, peer)
	delete(c.deadline, peer)
}

// State returns peer's current disconnect state, expiring a stale REQUEST
// that was never approved within its grace period back to NO_DISCONNECTED.
func (c *CheckpointCoordinator) State(peer uint8) DisconnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[peer]
	if !ok {
		return NoDisconnected
	}
	if st == DisconnectRequest && time.Now().After(c.deadline[peer]) {
		delete(c.state, peer)
		delete(c.deadline, peer)
		return NoDisconnected
	}
	return st
}

// ShieldedFromRemoval reports whether peer must currently be excluded from
// any BeginRemove call, i.e. it has an active REQUEST or APPROVE.
func (c *CheckpointCoordinator) ShieldedFromRemoval(peer uint8) bool {
	return c.State(peer) != NoDisconnected
}
