package consensus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// Machine owns one server's SID, role and current configuration, and drives
// election and heartbeat timing (§4.3).
type Machine struct {
	mu sync.Mutex

	selfIdx uint8
	sid     types.AtomicSID
	role    types.Role
	cid     types.CID

	peers map[uint8]*PeerView

	tr  transport.Transport
	lg  *ledger.Ledger
	cfg types.GlobalConfig

	logger zerolog.Logger

	adaptive *adaptiveTimeout

	electionDeadline time.Time
	votesGranted     map[uint8]bool

	// votedTerm/votedFor implement §4.3's "vote once per term" rule
	// (vote_sid): votedTerm == 0 means no vote has been cast yet, since
	// startElection always bumps from the initial term 0 and no real
	// election ever contests term 0.
	votedTerm uint64
	votedFor  uint8

	onBecomeLeader []func()
	onStepDown     []func()
	onUnhandled    func(peer uint8, payload []byte)
}

// NewMachine constructs a consensus machine for selfIdx, starting as a
// follower with no known leader.
func NewMachine(selfIdx uint8, cid types.CID, tr transport.Transport, lg *ledger.Ledger, cfg types.GlobalConfig) *Machine {
	peers := make(map[uint8]*PeerView, types.MaxServers)
	for i := uint8(0); i < types.MaxServers; i++ {
		if i == selfIdx {
			continue
		}
		peers[i] = &PeerView{Connected: true}
	}
	m := &Machine{
		selfIdx:  selfIdx,
		role:     types.RoleFollower,
		cid:      cid,
		peers:    peers,
		tr:       tr,
		lg:       lg,
		cfg:      cfg,
		logger:   logging.WithComponent("consensus").With().Uint8("node", selfIdx).Logger(),
		adaptive: newAdaptiveTimeout(cfg),
	}
	m.sid.Store(types.NewSID(0, false, 0))
	m.resetElectionDeadline()
	return m
}

// OnBecomeLeader/OnStepDown register callbacks invoked once the machine's
// lock is released, so both the replication engine (log reconciliation) and
// the node (starting/stopping its capture listener) can each independently
// react to a role transition without clobbering the other's registration.
func (m *Machine) OnBecomeLeader(fn func()) { m.onBecomeLeader = append(m.onBecomeLeader, fn) }
func (m *Machine) OnStepDown(fn func())     { m.onStepDown = append(m.onStepDown, fn) }

// OnUnhandledMessage registers fn to receive side-channel messages that do
// not decode as a control message, so a single RecvMsg drain (this
// machine's tick loop is the only caller in the current wiring) can still
// fan messages out to other consumers of the same transport, such as the
// join/recovery protocol's message exchange.
func (m *Machine) OnUnhandledMessage(fn func(peer uint8, payload []byte)) { m.onUnhandled = fn }

func (m *Machine) Role() types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Machine) SID() types.SID { return m.sid.Load() }

func (m *Machine) CID() types.CID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cid
}

func (m *Machine) SetCID(cid types.CID) {
	m.mu.Lock()
	m.cid = cid
	m.mu.Unlock()
}

// lastLogStamp returns the msg_vs of this server's last retained log entry,
// the "last_term"/"last_index" pair of §4.3's up-to-date test (this design's
// MsgVS.ViewID/ReqID serve the role the spec's term/index play). The zero
// value correctly sorts behind any real entry via MsgVS.Less.
func (m *Machine) lastLogStamp() types.MsgVS {
	n := m.lg.Len()
	if n == 0 {
		return types.MsgVS{}
	}
	e, _, ok := m.lg.EntryAt(n - 1)
	if !ok {
		return types.MsgVS{}
	}
	return e.Header.MsgVS
}

func (m *Machine) resetElectionDeadline() {
	jitter := time.Duration(rand.Int63n(int64(m.cfg.ElecTimeoutHigh - m.cfg.ElecTimeoutLow)))
	m.electionDeadline = time.Now().Add(m.cfg.ElecTimeoutLow + jitter)
}

// Run is the machine's timer loop: a single select over one HBPeriod ticker
// and stopCh. Each tick drains the transport's control-message side channel,
// then sends heartbeats (leader) or checks the election deadline (otherwise),
// rather than busy-polling (§9's resolution of the busy-wait livelock risk).
func (m *Machine) Run(stopCh <-chan struct{}) {
	pollTick := time.NewTicker(m.cfg.HBPeriod)
	defer pollTick.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-pollTick.C:
			m.tick()
		}
	}
}

func (m *Machine) tick() {
	for {
		peer, payload, ok := m.tr.RecvMsg()
		if !ok {
			break
		}
		msg, err := decodeControlMsg(payload)
		if err != nil {
			if m.onUnhandled != nil {
				m.onUnhandled(peer, payload)
			} else {
				m.logger.Warn().Err(err).Uint8("peer", peer).Msg("consensus: dropping malformed control message")
			}
			continue
		}
		m.handleControlMsg(peer, msg)
	}

	m.mu.Lock()
	role := m.role
	deadline := m.electionDeadline
	m.mu.Unlock()

	switch role {
	case types.RoleLeader:
		m.broadcastHeartbeat()
	default:
		if time.Now().After(deadline) {
			m.startElection()
		}
	}
}

// startElection implements §4.3's candidate path: bump the term via CAS,
// vote for self, broadcast vote requests to every configured peer.
func (m *Machine) startElection() {
	m.mu.Lock()
	old := m.sid.Load()
	newSID := types.NewSID(old.Term()+1, true, m.selfIdx)
	if !m.sid.CAS(old, newSID) {
		m.mu.Unlock()
		return
	}
	m.role = types.RoleCandidate
	m.votesGranted = map[uint8]bool{m.selfIdx: true}
	m.votedTerm = newSID.Term()
	m.votedFor = m.selfIdx
	m.resetElectionDeadline()
	cid := m.cid
	lastLog := m.lastLogStamp()
	// A single-member (or already-satisfied) configuration reaches quorum on
	// the candidate's own vote alone, with no vote-ack ever arriving to
	// trigger the check in handleVoteAck.
	m.checkElectionQuorumLocked()
	m.mu.Unlock()

	m.logger.Info().Uint64("term", newSID.Term()).Msg("consensus: starting election")

	for idx := uint8(0); idx < types.MaxServers; idx++ {
		if idx == m.selfIdx || !cid.IsMember(idx) {
			continue
		}
		_ = m.tr.SendMsg(idx, encodeControlMsg(controlMsg{
			Kind:    msgVoteRequest,
			From:    m.selfIdx,
			SID:     newSID,
			CID:     cid,
			LastLog: lastLog,
		}))
	}
}

// checkElectionQuorumLocked promotes a candidate to leader once its
// votesGranted set satisfies the current CID's quorum rule. Callers must
// hold m.mu.
func (m *Machine) checkElectionQuorumLocked() {
	if m.role != types.RoleCandidate {
		return
	}
	var mask uint32
	for idx := range m.votesGranted {
		mask |= 1 << idx
	}
	if !m.cid.QuorumSatisfied(mask, m.cid.PrimaryMask, m.cid.SecondaryMask) {
		return
	}

	leaderSID := types.NewSID(m.sid.Load().Term(), true, m.selfIdx)
	m.sid.Store(leaderSID)
	m.role = types.RoleLeader
	m.adaptive.reset()
	m.logger.Info().Uint64("term", leaderSID.Term()).Msg("consensus: elected leader")
	if fns := m.onBecomeLeader; len(fns) > 0 {
		go func() {
			for _, fn := range fns {
				fn()
			}
		}()
	}
}

func (m *Machine) handleControlMsg(peer uint8, msg controlMsg) {
	switch msg.Kind {
	case msgVoteRequest:
		m.handleVoteRequest(peer, msg)
	case msgVoteAck:
		m.handleVoteAck(peer, msg)
	case msgHeartbeat:
		m.handleHeartbeat(peer, msg)
	case msgHeartbeatAck:
		m.handleHeartbeatAck(peer, msg)
	}
}

// handleVoteRequest implements §4.3's voter side: a candidate's SID must not
// be stale, its log must be at least as up-to-date as ours (last_term then
// last_index, via MsgVS.Less), and we must not have already granted a
// different candidate a vote this term (vote_sid). Without all three, a
// candidate with a shorter or staler log could win and later overwrite
// committed entries (§8.4), or two candidates could transiently both believe
// they hold L=1 in the same term (§8.2).
func (m *Machine) handleVoteRequest(peer uint8, msg controlMsg) {
	m.mu.Lock()
	cur := m.sid.Load()
	term := msg.SID.Term()

	staleTerm := cur.Less(msg.SID)
	ourLog := m.lastLogStamp()
	upToDate := !msg.LastLog.Less(ourLog) // reject only if candidate's log is strictly behind ours
	alreadyVoted := m.votedTerm == term && m.votedFor != msg.From

	granted := (staleTerm || cur == msg.SID) && upToDate && !alreadyVoted
	if granted {
		m.votedTerm = term
		m.votedFor = msg.From
	}
	if staleTerm {
		m.sid.Store(msg.SID)
		m.role = types.RoleFollower
		m.resetElectionDeadline()
	}
	m.mu.Unlock()

	_ = m.tr.SendMsg(peer, encodeControlMsg(controlMsg{
		Kind:    msgVoteAck,
		From:    m.selfIdx,
		SID:     msg.SID,
		Granted: granted,
	}))
}

func (m *Machine) handleVoteAck(peer uint8, msg controlMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != types.RoleCandidate || msg.SID != m.sid.Load() {
		return
	}
	if !msg.Granted {
		return
	}
	m.votesGranted[peer] = true
	m.checkElectionQuorumLocked()
}

func (m *Machine) handleHeartbeat(peer uint8, msg controlMsg) {
	m.mu.Lock()
	cur := m.sid.Load()
	stepDown := m.role == types.RoleLeader && cur.Less(msg.SID)
	if cur.Less(msg.SID) || cur == msg.SID {
		m.sid.Store(msg.SID)
		m.role = types.RoleFollower
		m.resetElectionDeadline()
	}
	m.mu.Unlock()

	if stepDown {
		m.logger.Warn().Msg("consensus: stepping down, observed higher term leader")
		if fns := m.onStepDown; len(fns) > 0 {
			go func() {
				for _, fn := range fns {
					fn()
				}
			}()
		}
	}

	off := m.lg.Offsets()
	_ = m.tr.SendMsg(peer, encodeControlMsg(controlMsg{
		Kind:        msgHeartbeatAck,
		From:        m.selfIdx,
		SID:         msg.SID,
		LogOffset:   off.End,
		ApplyOffset: off.Apply,
	}))
}

func (m *Machine) handleHeartbeatAck(peer uint8, msg controlMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv, ok := m.peers[peer]
	if !ok {
		return
	}
	pv.LogOffset = msg.LogOffset
	pv.ApplyOffset = msg.ApplyOffset
	pv.Connected = true
	m.adaptive.observe(m.cfg.HBPeriod)
}

func (m *Machine) broadcastHeartbeat() {
	m.mu.Lock()
	cur := m.sid.Load()
	cid := m.cid
	m.mu.Unlock()

	for idx := uint8(0); idx < types.MaxServers; idx++ {
		if idx == m.selfIdx || !cid.IsMember(idx) {
			continue
		}
		_ = m.tr.SendMsg(idx, encodeControlMsg(controlMsg{
			Kind: msgHeartbeat,
			From: m.selfIdx,
			SID:  cur,
		}))
	}
}

// PeerViewOf returns a copy of what the leader currently believes about
// peer's replication progress.
func (m *Machine) PeerViewOf(peer uint8) (PeerView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv, ok := m.peers[peer]
	if !ok {
		return PeerView{}, false
	}
	return *pv, true
}
