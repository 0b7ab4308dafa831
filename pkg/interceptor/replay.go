package interceptor

import (
	"fmt"
	"hash/crc64"
	"net"
	"sync"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// DivergenceRecorder is the subset of divergence.Checker the replay sink
// needs, kept as an interface to avoid a dependency on the concrete type.
type DivergenceRecorder interface {
	Record(key types.MsgVS, peer uint8, hash [types.HashBytes]byte)
}

// Dialer opens the locally configured application connection a replayed
// CONNECT should fan out to. Production wiring dials the application's own
// listen address; tests substitute an in-memory pipe.
type Dialer func() (net.Conn, error)

// Sink is the follower-side replay target of §4.6: it owns the endpoint map
// of §3.5 (clt_id -> local socket) and applies CONNECT/SEND/CLOSE/OUTPUT
// entries against it as the ledger's apply offset advances.
type Sink struct {
	mu        sync.Mutex
	endpoints map[types.MsgVS]net.Conn

	dial      Dialer
	selfIdx   uint8
	diverge   DivergenceRecorder
	crcTable  *crc64.Table
	outputAcc map[types.MsgVS]uint64
	logger    zerolog.Logger
}

// NewSink creates a replay sink that dials new endpoint connections via dial
// and, when diverge is non-nil, reports OUTPUT hash comparisons to it.
func NewSink(selfIdx uint8, dial Dialer, diverge DivergenceRecorder) *Sink {
	return &Sink{
		endpoints: make(map[types.MsgVS]net.Conn),
		outputAcc: make(map[types.MsgVS]uint64),
		dial:      dial,
		selfIdx:   selfIdx,
		diverge:   diverge,
		crcTable:  crc64.MakeTable(crc64.ISO),
		logger:    logging.WithComponent("interceptor-replay").With().Uint8("node", selfIdx).Logger(),
	}
}

// Apply dispatches one applied log entry to the endpoint map (§4.6 follower
// side). It is safe to call from the ledger's apply loop (pkg/ledger.ForEachNC).
func (s *Sink) Apply(e types.Entry) error {
	switch e.Header.Type {
	case types.EntryConnect:
		return s.applyConnect(e)
	case types.EntrySend:
		return s.applySend(e)
	case types.EntryClose:
		return s.applyClose(e)
	case types.EntryOutput:
		return s.applyOutput(e)
	default:
		// CONFIG, HEAD, NOOP, NOP and CSM entries are not endpoint traffic;
		// other components apply them.
		return nil
	}
}

func (s *Sink) applyConnect(e types.Entry) error {
	conn, err := s.dial()
	if err != nil {
		s.logger.Warn().Err(err).Stringer("clt_id", e.Header.MsgVS).Msg("replay: CONNECT dial failed")
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	s.mu.Lock()
	s.endpoints[e.Header.MsgVS] = conn
	s.mu.Unlock()
	return nil
}

func (s *Sink) applySend(e types.Entry) error {
	s.mu.Lock()
	conn, ok := s.endpoints[e.Header.CltID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("interceptor: SEND for unknown clt_id %s", e.Header.CltID)
	}
	if _, err := conn.Write(e.Data); err != nil {
		return err
	}

	s.mu.Lock()
	s.outputAcc[e.Header.CltID] = crc64.Update(s.outputAcc[e.Header.CltID], s.crcTable, e.Data)
	s.mu.Unlock()
	return nil
}

func (s *Sink) applyClose(e types.Entry) error {
	s.mu.Lock()
	conn, ok := s.endpoints[e.Header.CltID]
	delete(s.endpoints, e.Header.CltID)
	delete(s.outputAcc, e.Header.CltID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// applyOutput computes this server's own hash over what it has replayed for
// this connection since the last OUTPUT boundary and hands both that hash
// and the leader's reported hash to the divergence hook (§4.6, §6.4).
func (s *Sink) applyOutput(e types.Entry) error {
	_, leaderHash, ok := DecodeOutputPayload(e.Data)
	if !ok {
		return fmt.Errorf("interceptor: malformed OUTPUT payload for %s", e.Header.CltID)
	}

	s.mu.Lock()
	localHash := s.outputAcc[e.Header.CltID]
	s.outputAcc[e.Header.CltID] = 0
	s.mu.Unlock()

	if s.diverge == nil {
		return nil
	}
	s.diverge.Record(e.Header.MsgVS, e.Header.NodeID, hashToBytes(leaderHash))
	s.diverge.Record(e.Header.MsgVS, s.selfIdx, hashToBytes(localHash))
	return nil
}

func hashToBytes(h uint64) [types.HashBytes]byte {
	var out [types.HashBytes]byte
	for i := 0; i < types.HashBytes; i++ {
		out[i] = byte(h >> (8 * i))
	}
	return out
}

// Endpoints returns the number of currently open replayed connections, for
// health/metrics reporting.
func (s *Sink) Endpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}
