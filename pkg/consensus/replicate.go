package consensus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned by Propose when called on a server that does not
// currently believe itself to be leader (§4.4.1).
var ErrNotLeader = errors.New("consensus: not leader")

// ErrQuorumTimeout is returned when an entry fails to collect a quorum of
// ack slots before the submission deadline (§4.4.1 step 6).
var ErrQuorumTimeout = errors.New("consensus: quorum not reached before timeout")

// Engine drives log replication: the leader-side submission path of
// §4.4.1 (one-sided write of the entry to every follower, then poll ack
// slots for quorum) and the follower-side ack responder of §4.4.2 (one-sided
// write of just this server's ack slot back into the leader's copy of the
// entry once the sentinel confirms the write landed).
type Engine struct {
	mu sync.Mutex

	selfIdx uint8
	machine *Machine
	tr      transport.Transport
	lg      *ledger.Ledger
	cfg     types.GlobalConfig
	logger  zerolog.Logger

	ackedIdx int

	// view/nextReq stamp every entry this leader originates, whether from a
	// captured client connection (pkg/interceptor.Capture, via NextMsgVS) or
	// from this package's own election-blank/config entries, off one shared
	// counter so the two sources can never collide within a term.
	view    uint8
	nextReq uint32
}

// NewEngine builds a replication engine bound to machine's role/term/CID
// state and lg's log store. It registers its own OnBecomeLeader hook to run
// log reconciliation (§4.4.3) as soon as this server wins an election.
func NewEngine(selfIdx uint8, machine *Machine, tr transport.Transport, lg *ledger.Ledger, cfg types.GlobalConfig) *Engine {
	e := &Engine{
		selfIdx: selfIdx,
		machine: machine,
		tr:      tr,
		lg:      lg,
		cfg:     cfg,
		logger:  logging.WithComponent("replication").With().Uint8("node", selfIdx).Logger(),
	}
	machine.OnBecomeLeader(e.handleBecomeLeader)
	return e
}

// SetView resets the entry-stamping counter for a new term: the first entry
// this leader originates in view gets req_id 1, matching §3.3's "dense
// within a view" rule.
func (e *Engine) SetView(view uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view = view
	e.nextReq = 0
}

// NextMsgVS hands out the next {view, req_id} stamp for an entry this leader
// is about to originate (§4.4.1 step 1), shared by pkg/interceptor.Capture
// and this package's own reconciliation/config entries.
func (e *Engine) NextMsgVS() types.MsgVS {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextReq++
	return types.MsgVS{ViewID: e.view, ReqID: e.nextReq}
}

// Start runs the follower-side ack responder loop until stopCh closes. It is
// a no-op while this server is itself leader.
func (e *Engine) Start(stopCh <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HBPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			e.ackTick()
		}
	}
}

func (e *Engine) ackTick() {
	sid := e.machine.SID()
	if !sid.HasLeader() || sid.LeaderIdx() == e.selfIdx {
		return
	}
	leader := sid.LeaderIdx()

	e.mu.Lock()
	start := e.ackedIdx
	n := e.lg.Len()
	e.mu.Unlock()

	for i := start; i < n; i++ {
		entry, offset, ok := e.lg.EntryAt(i)
		if !ok {
			break
		}
		ackBytes := ledger.AckSlotBytes(e.selfIdx, hashEntry(entry))
		slotOffset := offset + ledger.AckSlotOffset(int(e.selfIdx))
		if _, err := e.tr.WriteAt(leader, transport.RegionLog, slotOffset, ackBytes, false); err != nil {
			e.logger.Debug().Err(err).Uint8("leader", leader).Msg("replication: ack write failed")
			break
		}
		e.mu.Lock()
		e.ackedIdx = i + 1
		e.mu.Unlock()
	}
}

// Propose appends header/payload to the local log, replicates it to every
// configured peer via a one-sided write, and blocks until a quorum of ack
// slots (§3.2's STABLE/EXTENDED/TRANSIT rule) confirms durability, advancing
// the commit offset before returning (§4.4.1).
func (e *Engine) Propose(ctx context.Context, header types.EntryHeader, payload []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Role() != types.RoleLeader {
		return 0, ErrNotLeader
	}

	idx := e.lg.Len()
	off, err := e.lg.Append(header, payload)
	if err != nil {
		return 0, err
	}

	cid := e.machine.CID()
	entryLen := int64(types.WireLen(types.MaxServers, len(payload)))
	entryBytes := e.lg.ReadRegion(off, int(entryLen))

	for peer := uint8(0); peer < types.MaxServers; peer++ {
		if peer == e.selfIdx || !cid.IsMember(peer) {
			continue
		}
		if _, err := e.tr.WriteAt(peer, transport.RegionLog, off, entryBytes, false); err != nil {
			e.logger.Debug().Err(err).Uint8("peer", peer).Msg("replication: entry write failed")
		}
	}

	deadline := time.Now().Add(e.cfg.ElecTimeoutHigh * 10)
	ticker := time.NewTicker(e.cfg.HBPeriod)
	defer ticker.Stop()

	for {
		mask, err := e.lg.ReadAckBitmap(off)
		if err != nil {
			return 0, err
		}
		mask |= 1 << e.selfIdx // leader's own copy always counts

		if cid.QuorumSatisfied(mask, cid.PrimaryMask, cid.SecondaryMask) {
			if idx+1 > e.lg.CommittedLen() {
				if err := e.lg.AdvanceCommit(idx + 1); err != nil {
					return 0, err
				}
			}
			return off, nil
		}
		if time.Now().After(deadline) {
			return 0, ErrQuorumTimeout
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hashEntry computes the small rolling hash stored in an ack slot, letting a
// leader (or a divergence check) detect a follower that applied different
// bytes for the same msg_vs (§3.3, §6.4).
func hashEntry(e types.Entry) [types.HashBytes]byte {
	h := fnv.New64a()
	_, _ = h.Write(e.Data)
	var b [8]byte
	v := h.Sum64()
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
