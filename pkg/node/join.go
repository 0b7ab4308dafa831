package node

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/dare-rsm/dare-core/pkg/types"
)

// ErrJoinTimeout is returned by AnnounceJoin when no leader answers the join
// request within its retry budget.
var ErrJoinTimeout = errors.New("node: no leader answered join request")

// joinMsgKind tags the frames of the join-admission side channel: a new
// server dials one known peer and asks to be admitted (§4.5 join), distinct
// from the §4.7 recovery exchange it runs against the same or another peer
// to catch its log up first.
type joinMsgKind uint8

const (
	joinRequest joinMsgKind = iota
	joinAck
	joinRedirect
)

// joinMsg is gob-encoded and carried as the payload of SendMsg/RecvMsg,
// sharing the transport's single best-effort side channel with
// consensus's controlMsg and snapshot's wireMsg.
type joinMsg struct {
	Kind      joinMsgKind
	ServerIdx uint8
	LeaderIdx uint8
}

// joinSideChannelTag distinguishes this package's messages from the other
// two side-channel consumers registered on the same transport (§6.1); see
// consensus.sideChannelTag and snapshot.sideChannelTag for the same pattern.
const joinSideChannelTag = 0xC2

func encodeJoinMsg(m joinMsg) []byte {
	var buf bytes.Buffer
	buf.WriteByte(joinSideChannelTag)
	_ = gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decodeJoinMsg(payload []byte) (joinMsg, bool) {
	if len(payload) == 0 || payload[0] != joinSideChannelTag {
		return joinMsg{}, false
	}
	var m joinMsg
	if err := gob.NewDecoder(bytes.NewReader(payload[1:])).Decode(&m); err != nil {
		return joinMsg{}, false
	}
	return m, true
}

// dispatchUnhandled is the single consensus.Machine.OnUnhandledMessage
// callback registered in New: it fans the transport's best-effort side
// channel out to every consumer that isn't consensus's own control
// messages, each of which silently ignores a frame that isn't tagged for it.
func (n *Node) dispatchUnhandled(peer uint8, payload []byte) {
	n.snap.HandleMessage(peer, payload)
	n.handleJoinMessage(peer, payload)
}

// handleJoinMessage answers or routes join-protocol frames (§4.5): a leader
// admits the requester and acks; a non-leader redirects to whatever leader
// it currently knows of, or drops the request if it doesn't know one yet.
func (n *Node) handleJoinMessage(peer uint8, payload []byte) {
	msg, ok := decodeJoinMsg(payload)
	if !ok {
		return
	}
	switch msg.Kind {
	case joinRequest:
		n.admitJoiner(peer, msg.ServerIdx)
	case joinAck, joinRedirect:
		n.deliverJoinReply(msg)
	}
}

func (n *Node) admitJoiner(peer uint8, newIdx uint8) {
	sid := n.machine.SID()
	if n.machine.Role() != types.RoleLeader {
		if !sid.HasLeader() {
			return
		}
		n.sendJoinMsg(peer, joinMsg{Kind: joinRedirect, ServerIdx: newIdx, LeaderIdx: sid.LeaderIdx()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Cluster.DareGlobalConfig.ElecTimeoutHigh*10)
	defer cancel()
	if err := n.RequestJoin(ctx, newIdx); err != nil {
		n.logger.Warn().Err(err).Uint8("new_idx", newIdx).Msg("node: join admission failed")
		return
	}
	n.sendJoinMsg(peer, joinMsg{Kind: joinAck, ServerIdx: newIdx, LeaderIdx: n.cfg.SelfIdx})
}

func (n *Node) sendJoinMsg(peer uint8, msg joinMsg) {
	if err := n.tr.SendMsg(peer, encodeJoinMsg(msg)); err != nil {
		n.logger.Debug().Err(err).Uint8("peer", peer).Msg("node: join reply send failed")
	}
}

// deliverJoinReply hands a reply to AnnounceJoin's waiting goroutine, if one
// is still waiting; a reply arriving after AnnounceJoin gave up is dropped.
func (n *Node) deliverJoinReply(msg joinMsg) {
	n.joinMu.Lock()
	ch := n.joinWait
	n.joinMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// AnnounceJoin drives the joining side of §4.5: it asks target to admit this
// server, following at most one redirect to whoever target believes the
// leader to be, retrying on a fixed tick until acked or the attempt budget
// is exhausted. Callers run this after Join has pulled this server's log and
// state up to date, so the moment it is admitted it can serve as a full
// voting member.
func (n *Node) AnnounceJoin(target uint8) error {
	const attempts = 20
	tick := n.cfg.Cluster.DareGlobalConfig.HBPeriod
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}

	n.joinMu.Lock()
	ch := make(chan joinMsg, 1)
	n.joinWait = ch
	n.joinMu.Unlock()
	defer func() {
		n.joinMu.Lock()
		n.joinWait = nil
		n.joinMu.Unlock()
	}()

	redirected := false
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for i := 0; i < attempts; i++ {
		if err := n.tr.SendMsg(target, encodeJoinMsg(joinMsg{Kind: joinRequest, ServerIdx: n.cfg.SelfIdx})); err != nil {
			n.logger.Debug().Err(err).Uint8("target", target).Msg("node: join request send failed")
		}
		select {
		case reply := <-ch:
			switch reply.Kind {
			case joinAck:
				return nil
			case joinRedirect:
				if redirected || reply.LeaderIdx == target {
					return fmt.Errorf("node: %w", ErrJoinTimeout)
				}
				redirected = true
				target = reply.LeaderIdx
			}
		case <-ticker.C:
		}
	}
	return ErrJoinTimeout
}
