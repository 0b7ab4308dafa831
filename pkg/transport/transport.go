// Package transport implements the reliable one-sided transport contract of
// spec §6.1: per-peer one-sided write/read of remote memory regions, a
// best-effort message side channel, and a completion queue the caller must
// drain to recycle queue slots.
//
// Real APUS/DARE runs this over InfiniBand RDMA; that driver surface is out
// of scope per spec §1. Two implementations are provided here instead: an
// in-process Loop transport used by tests and single-binary simulations, and
// a TCP transport modeled on hashicorp/raft's own NetworkTransport (one
// persistent gob-framed connection per peer) for real multi-process
// clusters. Both honor the final-byte-last delivery guarantee the sentinel
// protocol (§3.3, §9) depends on.
package transport

import (
	"errors"
)

// Region identifies which remotely-writable memory region a one-sided
// operation targets (§3.3 log region, §3.4 control region).
type Region uint8

const (
	RegionLog Region = iota
	RegionControl
)

// RegionStore is the local handler a node registers for each Region so that
// the transport can apply one-sided writes/reads without any application
// logic running on the target side, matching RDMA's "no remote CPU
// involvement" property (§3.4).
type RegionStore interface {
	WriteRegion(addr int64, data []byte)
	ReadRegion(addr int64, length int) []byte
}

// CompletionStatus reports whether a queued work request succeeded.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusFailure
)

// Completion is one entry returned by PollCompletions (§6.1).
type Completion struct {
	Peer   uint8
	WRID   uint64
	Op     string // "write" or "read"
	Status CompletionStatus
}

// Errors surfaced by the transport contract (§7 "transport transient" vs
// "transport software-bug").
var (
	ErrDisconnected  = errors.New("transport: peer disconnected")
	ErrRetryExceeded = errors.New("transport: retry_exec exhausted")
	ErrUnknownPeer   = errors.New("transport: unknown peer")
)

// InlineThreshold is the QoS minimum of §4.1/§6.1: writes at or below this
// size SHOULD be sent inline rather than via a registered buffer.
const InlineThreshold = 256

// MinOutstanding is the minimum number of outstanding writes per connection
// the transport must support (§4.1).
const MinOutstanding = 64

// Transport is the contract every component above it (ledger, consensus,
// membership, snapshot) programs against.
type Transport interface {
	// RegisterRegion installs the local handler for one memory region. Must
	// be called before any peer can successfully target it with WriteAt/ReadAt.
	RegisterRegion(region Region, store RegionStore)

	// WriteAt copies data into peer's region at addr. Returns immediately
	// after local queuing (§6.1); completion arrives via PollCompletions
	// when signaled is true.
	WriteAt(peer uint8, region Region, addr int64, data []byte, signaled bool) (wrID uint64, err error)

	// ReadAt pulls length bytes from peer's region at addr into the caller's
	// local memory, returning them directly: our non-RDMA substitute for a
	// one-sided RDMA read still requires a request/response round trip, but
	// the peer's transport layer answers it without invoking any decision
	// logic, preserving the "opaque remote memory" contract (§9).
	ReadAt(peer uint8, region Region, addr int64, length int) ([]byte, error)

	// SendMsg/RecvMsg are the best-effort message-sized side channel used
	// for join, RC-info exchange and recovery snapshots (§6.1). SendMsg may
	// silently drop on a disconnected peer.
	SendMsg(peer uint8, payload []byte) error
	RecvMsg() (peer uint8, payload []byte, ok bool)

	// PollCompletions drains up to max completed work requests.
	PollCompletions(max int) []Completion

	// Connected reports whether peer currently has a usable connection.
	Connected(peer uint8) bool

	// Disconnect tears down peer's connection. Idempotent.
	Disconnect(peer uint8)

	// Self returns this transport's own server index.
	Self() uint8

	// Close releases all resources (listener sockets, goroutines).
	Close() error
}
