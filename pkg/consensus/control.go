// Package consensus implements the SID/role machine and replication engine
// of spec §4.3/§4.4 (components C and D): leader election over the packed
// SID, and log replication driven by one-sided log writes plus per-entry ack
// slots rather than a separate RPC acknowledgement.
package consensus

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dare-rsm/dare-core/pkg/types"
)

// controlMsgKind tags the small control-plane messages exchanged over the
// transport's best-effort side channel (§6.1). The replicated log itself
// moves exclusively over one-sided writes into the RegionLog region
// (pkg/ledger); election and heartbeat traffic is small and latency
// sensitive enough that routing it through SendMsg/RecvMsg, the way the
// teacher's control-plane RPCs ride a side channel distinct from the bulk
// data path, is the idiomatic choice here rather than hand-rolling one-sided
// writes into a byte-addressed control region for every vote and heartbeat
// field (see DESIGN.md).
type controlMsgKind uint8

const (
	msgVoteRequest controlMsgKind = iota
	msgVoteAck
	msgHeartbeat
	msgHeartbeatAck
)

// controlMsg is gob-encoded and carried as the payload of SendMsg/RecvMsg.
// LastLog is the candidate's own last log position, carried on a vote
// request so the voter can run §4.3's "up-to-date" test before granting.
type controlMsg struct {
	Kind        controlMsgKind
	From        uint8
	SID         types.SID
	Granted     bool
	LogOffset   int64
	ApplyOffset int64
	CID         types.CID
	LastLog     types.MsgVS
}

// sideChannelTag distinguishes this package's messages from other
// consumers of the transport's shared best-effort channel (pkg/snapshot's
// join/recovery exchange, in particular): gob matches fields by name across
// differently-named types with compatible underlying kinds, so two
// unrelated message structs that happen to share a field name could
// otherwise decode into each other without error. A one-byte prefix checked
// before decoding removes the ambiguity.
const sideChannelTag = 0xC0

func encodeControlMsg(m controlMsg) []byte {
	var buf bytes.Buffer
	buf.WriteByte(sideChannelTag)
	// gob.NewEncoder never fails on a concrete, exported-field struct like
	// controlMsg; the error is deliberately dropped the way encoding helpers
	// typically do for in-memory buffers.
	_ = gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decodeControlMsg(payload []byte) (controlMsg, error) {
	if len(payload) == 0 || payload[0] != sideChannelTag {
		return controlMsg{}, fmt.Errorf("consensus: not a control message")
	}
	var m controlMsg
	if err := gob.NewDecoder(bytes.NewReader(payload[1:])).Decode(&m); err != nil {
		return controlMsg{}, fmt.Errorf("consensus: decode control message: %w", err)
	}
	return m, nil
}

// PeerView is the leader's bookkeeping of what it believes each follower has
// durably logged and applied, analogous to the log_offsets[N]/apply_offsets[N]
// arrays of the per-peer control region (§3.4).
type PeerView struct {
	LogOffset   int64
	ApplyOffset int64
	VoteGranted bool
	Connected   bool
}
