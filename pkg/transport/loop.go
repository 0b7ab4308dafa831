package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Hub is the shared registry backing in-process Loop transports: it stands
// in for the InfiniBand fabric in tests and single-binary cluster
// simulations, giving every node's Loop transport a way to reach its peers'
// registered regions directly.
type Hub struct {
	mu    sync.RWMutex
	peers map[uint8]*Loop
}

// NewHub creates an empty transport hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[uint8]*Loop)}
}

// NewTransport creates and registers a Loop transport for server idx.
func (h *Hub) NewTransport(idx uint8) *Loop {
	l := &Loop{
		self:         idx,
		hub:          h,
		regions:      make(map[Region]RegionStore),
		disconnected: make(map[uint8]bool),
		msgCh:        make(chan msgEnv, 256),
		completions:  make(chan Completion, 4096),
	}
	h.mu.Lock()
	h.peers[idx] = l
	h.mu.Unlock()
	return l
}

func (h *Hub) get(idx uint8) *Loop {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[idx]
}

type msgEnv struct {
	from    uint8
	payload []byte
}

// Loop is an in-process Transport implementation: writes and reads apply
// directly to the target's registered RegionStore with no network I/O,
// making it deterministic and fast for unit/integration tests while still
// exercising the exact one-sided semantics the upper layers rely on.
type Loop struct {
	self uint8
	hub  *Hub

	mu           sync.Mutex
	regions      map[Region]RegionStore
	disconnected map[uint8]bool

	msgCh       chan msgEnv
	completions chan Completion
	wrSeq       atomic.Uint64
}

var _ Transport = (*Loop)(nil)

func (l *Loop) Self() uint8 { return l.self }

func (l *Loop) RegisterRegion(region Region, store RegionStore) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.regions[region] = store
}

func (l *Loop) Connected(peer uint8) bool {
	target := l.hub.get(peer)
	if target == nil {
		return false
	}
	l.mu.Lock()
	gone := l.disconnected[peer]
	l.mu.Unlock()
	if gone {
		return false
	}
	target.mu.Lock()
	goneOther := target.disconnected[l.self]
	target.mu.Unlock()
	return !goneOther
}

func (l *Loop) Disconnect(peer uint8) {
	l.mu.Lock()
	l.disconnected[peer] = true
	l.mu.Unlock()
}

func (l *Loop) WriteAt(peer uint8, region Region, addr int64, data []byte, signaled bool) (uint64, error) {
	wrID := l.wrSeq.Add(1)
	if !l.Connected(peer) {
		return wrID, fmt.Errorf("%w: peer %d", ErrDisconnected, peer)
	}
	target := l.hub.get(peer)
	if target == nil {
		return wrID, fmt.Errorf("%w: peer %d", ErrUnknownPeer, peer)
	}
	target.mu.Lock()
	store := target.regions[region]
	target.mu.Unlock()
	if store == nil {
		return wrID, fmt.Errorf("transport: peer %d has no region %d registered", peer, region)
	}
	store.WriteRegion(addr, data)
	if signaled {
		l.completions <- Completion{Peer: peer, WRID: wrID, Op: "write", Status: StatusSuccess}
	}
	return wrID, nil
}

func (l *Loop) ReadAt(peer uint8, region Region, addr int64, length int) ([]byte, error) {
	if !l.Connected(peer) {
		return nil, fmt.Errorf("%w: peer %d", ErrDisconnected, peer)
	}
	target := l.hub.get(peer)
	if target == nil {
		return nil, fmt.Errorf("%w: peer %d", ErrUnknownPeer, peer)
	}
	target.mu.Lock()
	store := target.regions[region]
	target.mu.Unlock()
	if store == nil {
		return nil, fmt.Errorf("transport: peer %d has no region %d registered", peer, region)
	}
	return store.ReadRegion(addr, length), nil
}

func (l *Loop) SendMsg(peer uint8, payload []byte) error {
	if !l.Connected(peer) {
		return nil // best-effort: silently drop (§6.1)
	}
	target := l.hub.get(peer)
	if target == nil {
		return nil
	}
	cp := append([]byte(nil), payload...)
	select {
	case target.msgCh <- msgEnv{from: l.self, payload: cp}:
	default:
		// side channel is lossy by contract
	}
	return nil
}

func (l *Loop) RecvMsg() (uint8, []byte, bool) {
	select {
	case m := <-l.msgCh:
		return m.from, m.payload, true
	default:
		return 0, nil, false
	}
}

func (l *Loop) PollCompletions(max int) []Completion {
	out := make([]Completion, 0, max)
	for i := 0; i < max; i++ {
		select {
		case c := <-l.completions:
			out = append(out, c)
		default:
			return out
		}
	}
	return out
}

func (l *Loop) Close() error { return nil }
