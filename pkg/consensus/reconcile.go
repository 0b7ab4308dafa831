package consensus

import (
	"context"

	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
)

// handleBecomeLeader runs §4.3 step 4 and §4.4.3's log reconciliation: reset
// this term's entry stamping, pull every connected member's log up to date
// with ours, then commit a blank CONFIG/NOOP entry so entries inherited from
// a previous term become committable under the rule of §4.4.1/§8.4 (an entry
// only counts toward commit once the current leader's own term has an entry
// in the committed prefix).
func (e *Engine) handleBecomeLeader() {
	cid := e.machine.CID()
	e.SetView(uint8(e.machine.SID().Term()))

	for peer := uint8(0); peer < types.MaxServers; peer++ {
		if peer == e.selfIdx || !cid.IsMember(peer) {
			continue
		}
		e.reconcileFollower(peer)
	}

	e.AppendElectionBlank(cid)
}

// reconcileFollower implements §4.4.3 Phase I/II for one follower: walk our
// retained log from the oldest entry, reading the follower's copy at each
// entry's offset via the non-RDMA read round trip (transport.ReadAt), until
// either its copy is missing/stale (not yet landed, decoded ok=false) or its
// msg_vs diverges from ours. Every entry from that point to our own end is
// then rewritten into the follower (Phase II), relying on the leader always
// replicating an entry at the exact offset it reserved locally, so the same
// offset means the same entry across the cluster (§4.2) and a divergent
// write is always a correcting one.
func (e *Engine) reconcileFollower(peer uint8) {
	n := e.lg.Len()
	divergeAt := 0
	for i := 0; i < n; i++ {
		mine, offset, ok := e.lg.EntryAt(i)
		if !ok {
			break
		}
		entryLen := types.WireLen(types.MaxServers, len(mine.Data))
		remote, err := e.tr.ReadAt(peer, transport.RegionLog, offset, entryLen)
		if err != nil {
			e.logger.Debug().Err(err).Uint8("peer", peer).Msg("replication: reconciliation read failed")
			return
		}
		theirs, ok := types.UnmarshalEntry(remote, types.MaxServers)
		if !ok || theirs.Header.MsgVS != mine.Header.MsgVS {
			divergeAt = i
			break
		}
		divergeAt = i + 1
	}
	if divergeAt >= n {
		return
	}

	e.logger.Info().Uint8("peer", peer).Int("from_entry", divergeAt).Int("total_entries", n).
		Msg("replication: reconciling follower log")

	for i := divergeAt; i < n; i++ {
		mine, offset, ok := e.lg.EntryAt(i)
		if !ok {
			break
		}
		entryLen := types.WireLen(types.MaxServers, len(mine.Data))
		entryBytes := e.lg.ReadRegion(offset, entryLen)
		if _, err := e.tr.WriteAt(peer, transport.RegionLog, offset, entryBytes, false); err != nil {
			e.logger.Debug().Err(err).Uint8("peer", peer).Msg("replication: reconciliation write failed")
			return
		}
	}
}

// AppendElectionBlank commits the blank entry a new leader must append
// before any previous-term entry becomes committable (§4.3 step 4): CONFIG
// carrying the current CID while the configuration is STABLE (so every
// member's membership.Manager re-observes the agreed CID at the start of a
// term), NOOP otherwise (a CONFIG for an in-flight EXTENDED/TRANSIT change
// is already moving through the log on its own).
func (e *Engine) AppendElectionBlank(cid types.CID) {
	typ := types.EntryConfig
	payload := cid.Encode()
	if cid.State != types.ConfigStable {
		typ = types.EntryNoop
		payload = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ElecTimeoutHigh*10)
	defer cancel()
	stamp := e.NextMsgVS()
	if _, err := e.Propose(ctx, types.EntryHeader{MsgVS: stamp, NodeID: e.selfIdx, Type: typ}, payload); err != nil {
		e.logger.Warn().Err(err).Msg("replication: election blank entry failed")
	}
}
