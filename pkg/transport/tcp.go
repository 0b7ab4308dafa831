package transport

import (
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// rpcType tags the single byte written ahead of every gob-encoded frame,
// the way hashicorp/raft's NetworkTransport prefixes its AppendEntries /
// RequestVote RPCs before encoding the command body.
type rpcType byte

const (
	rpcWrite rpcType = iota
	rpcRead
	rpcReadResp
	rpcMsg
)

type writeReq struct {
	Region Region
	Addr   int64
	Data   []byte
}

type readReq struct {
	Region Region
	Addr   int64
	Length int
}

type readResp struct {
	Data []byte
	Err  string
}

type msgReq struct {
	From    uint8
	Payload []byte
}

// netConn is one pooled outbound connection to a peer, with its own
// persistent gob encoder/decoder exactly as raft's NetworkTransport keeps
// one per pooled connection.
type netConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// TCPTransport implements Transport over plain TCP connections, standing in
// for the InfiniBand RC queue pairs of the real system (§6.1, §9's note that
// non-RDMA transports must supply an equivalent finalization primitive — here
// that primitive is "the gob frame has been fully read").
type TCPTransport struct {
	self      uint8
	peerAddrs map[uint8]string
	listener  net.Listener
	logger    zerolog.Logger

	mu           sync.Mutex
	regions      map[Region]RegionStore
	pool         map[uint8][]*netConn
	disconnected map[uint8]bool

	msgCh       chan msgEnv
	completions chan Completion
	wrSeq       atomic.Uint64

	closeCh chan struct{}
	closed  atomic.Bool
}

var _ Transport = (*TCPTransport)(nil)

// NewTCP starts listening on listenAddr and returns a transport that can
// reach every peer in peerAddrs (server index -> "host:port").
func NewTCP(self uint8, listenAddr string, peerAddrs map[uint8]string, logger zerolog.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	t := &TCPTransport{
		self:         self,
		peerAddrs:    peerAddrs,
		listener:     ln,
		logger:       logger,
		regions:      make(map[Region]RegionStore),
		pool:         make(map[uint8][]*netConn),
		disconnected: make(map[uint8]bool),
		msgCh:        make(chan msgEnv, 256),
		completions:  make(chan Completion, 4096),
		closeCh:      make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) Self() uint8 { return t.self }

func (t *TCPTransport) RegisterRegion(region Region, store RegionStore) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions[region] = store
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.logger.Warn().Err(err).Msg("transport: accept failed")
				continue
			}
		}
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	var typBuf [1]byte
	for {
		if _, err := io.ReadFull(conn, typBuf[:]); err != nil {
			return
		}
		switch rpcType(typBuf[0]) {
		case rpcWrite:
			var req writeReq
			if err := dec.Decode(&req); err != nil {
				return
			}
			t.mu.Lock()
			store := t.regions[req.Region]
			t.mu.Unlock()
			if store != nil {
				store.WriteRegion(req.Addr, req.Data)
			}
		case rpcRead:
			var req readReq
			if err := dec.Decode(&req); err != nil {
				return
			}
			t.mu.Lock()
			store := t.regions[req.Region]
			t.mu.Unlock()
			resp := readResp{}
			if store == nil {
				resp.Err = "region not registered"
			} else {
				resp.Data = store.ReadRegion(req.Addr, req.Length)
			}
			if _, err := conn.Write([]byte{byte(rpcReadResp)}); err != nil {
				return
			}
			if err := enc.Encode(&resp); err != nil {
				return
			}
		case rpcMsg:
			var req msgReq
			if err := dec.Decode(&req); err != nil {
				return
			}
			select {
			case t.msgCh <- msgEnv{from: req.From, payload: req.Payload}:
			default:
			}
		default:
			return
		}
	}
}

func (t *TCPTransport) getConn(peer uint8) (*netConn, error) {
	t.mu.Lock()
	if pool := t.pool[peer]; len(pool) > 0 {
		nc := pool[len(pool)-1]
		t.pool[peer] = pool[:len(pool)-1]
		t.mu.Unlock()
		return nc, nil
	}
	addr, ok := t.peerAddrs[peer]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.markDisconnected(peer)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, addr, err)
	}
	return &netConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}, nil
}

func (t *TCPTransport) putConn(peer uint8, nc *netConn, healthy bool) {
	if !healthy {
		nc.conn.Close()
		return
	}
	t.mu.Lock()
	t.pool[peer] = append(t.pool[peer], nc)
	delete(t.disconnected, peer)
	t.mu.Unlock()
}

func (t *TCPTransport) markDisconnected(peer uint8) {
	t.mu.Lock()
	t.disconnected[peer] = true
	t.mu.Unlock()
}

func (t *TCPTransport) Connected(peer uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disconnected[peer]
}

func (t *TCPTransport) Disconnect(peer uint8) {
	t.mu.Lock()
	t.disconnected[peer] = true
	for _, nc := range t.pool[peer] {
		nc.conn.Close()
	}
	delete(t.pool, peer)
	t.mu.Unlock()
}

func (t *TCPTransport) WriteAt(peer uint8, region Region, addr int64, data []byte, signaled bool) (uint64, error) {
	wrID := t.wrSeq.Add(1)
	nc, err := t.getConn(peer)
	if err != nil {
		if signaled {
			t.completions <- Completion{Peer: peer, WRID: wrID, Op: "write", Status: StatusFailure}
		}
		return wrID, err
	}
	ok := true
	if _, err := nc.conn.Write([]byte{byte(rpcWrite)}); err != nil {
		ok = false
	} else if err := nc.enc.Encode(&writeReq{Region: region, Addr: addr, Data: data}); err != nil {
		ok = false
	}
	t.putConn(peer, nc, ok)
	if !ok {
		t.markDisconnected(peer)
		if signaled {
			t.completions <- Completion{Peer: peer, WRID: wrID, Op: "write", Status: StatusFailure}
		}
		return wrID, fmt.Errorf("%w: write to %d failed", ErrRetryExceeded, peer)
	}
	if signaled {
		t.completions <- Completion{Peer: peer, WRID: wrID, Op: "write", Status: StatusSuccess}
	}
	return wrID, nil
}

func (t *TCPTransport) ReadAt(peer uint8, region Region, addr int64, length int) ([]byte, error) {
	nc, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	if _, err := nc.conn.Write([]byte{byte(rpcRead)}); err != nil {
		t.putConn(peer, nc, false)
		t.markDisconnected(peer)
		return nil, fmt.Errorf("%w: %v", ErrRetryExceeded, err)
	}
	if err := nc.enc.Encode(&readReq{Region: region, Addr: addr, Length: length}); err != nil {
		t.putConn(peer, nc, false)
		t.markDisconnected(peer)
		return nil, fmt.Errorf("%w: %v", ErrRetryExceeded, err)
	}
	var typBuf [1]byte
	if _, err := io.ReadFull(nc.conn, typBuf[:]); err != nil {
		t.putConn(peer, nc, false)
		t.markDisconnected(peer)
		return nil, fmt.Errorf("%w: %v", ErrRetryExceeded, err)
	}
	var resp readResp
	if err := nc.dec.Decode(&resp); err != nil {
		t.putConn(peer, nc, false)
		t.markDisconnected(peer)
		return nil, fmt.Errorf("%w: %v", ErrRetryExceeded, err)
	}
	t.putConn(peer, nc, true)
	if resp.Err != "" {
		return nil, fmt.Errorf("transport: remote read error: %s", resp.Err)
	}
	return resp.Data, nil
}

func (t *TCPTransport) SendMsg(peer uint8, payload []byte) error {
	nc, err := t.getConn(peer)
	if err != nil {
		return nil // best-effort side channel (§6.1)
	}
	ok := true
	if _, err := nc.conn.Write([]byte{byte(rpcMsg)}); err != nil {
		ok = false
	} else if err := nc.enc.Encode(&msgReq{From: t.self, Payload: payload}); err != nil {
		ok = false
	}
	t.putConn(peer, nc, ok)
	return nil
}

func (t *TCPTransport) RecvMsg() (uint8, []byte, bool) {
	select {
	case m := <-t.msgCh:
		return m.from, m.payload, true
	default:
		return 0, nil, false
	}
}

func (t *TCPTransport) PollCompletions(max int) []Completion {
	out := make([]Completion, 0, max)
	for i := 0; i < max; i++ {
		select {
		case c := <-t.completions:
			out = append(out, c)
		default:
			return out
		}
	}
	return out
}

// ReconnectLoop retries disconnected peers every period until stopCh closes,
// the Go equivalent of the RC-info periodic reconnection of
// APUS/RDMA/src/rdma/dare_ibv_rc.c (§13).
func (t *TCPTransport) ReconnectLoop(period time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			var down []uint8
			for peer, isDown := range t.disconnected {
				if isDown {
					down = append(down, peer)
				}
			}
			t.mu.Unlock()
			for _, peer := range down {
				nc, err := t.getConn(peer)
				if err != nil {
					continue
				}
				t.putConn(peer, nc, true)
				t.logger.Info().Uint8("peer", peer).Msg("transport: reconnected")
			}
		case <-stopCh:
			return
		}
	}
}

func (t *TCPTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.closeCh)
	}
	t.mu.Lock()
	for _, pool := range t.pool {
		for _, nc := range pool {
			nc.conn.Close()
		}
	}
	t.mu.Unlock()
	return t.listener.Close()
}
