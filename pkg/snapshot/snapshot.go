// Package snapshot implements the join/recovery protocol of spec §4.7
// (component H): a joining or recovering server discovers a peer's
// watermark, pulls a snapshot of the opaque external state machine plus the
// peer's retained log tail, and installs both before resuming normal
// follower operation.
//
// The transport's best-effort side channel (§6.1) has exactly one drain per
// node: consensus.Machine.Run's tick loop. Rather than give this package its
// own competing RecvMsg call, an Agent here is wired in as that machine's
// OnUnhandledMessage callback, so join/recovery traffic rides the same
// single channel as election/heartbeat control messages without either
// consumer stealing the other's frames.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a peer does not answer a recovery request
// within the configured number of poll attempts.
var ErrTimeout = errors.New("snapshot: peer did not respond in time")

// StateMachine is the opaque external state the replicated log drives
// (§4.7: "asks one peer for a snapshot of the external SM state (opaque
// blob)"). In this repository node.Node implements it, with an empty
// snapshot; the interceptor's endpoint map is not part of it.
type StateMachine interface {
	Snapshot() ([]byte, error)
	Restore(blob []byte) error
}

type msgKind uint8

const (
	kindWatermarkReq msgKind = iota
	kindWatermarkResp
	kindSnapshotReq
	kindSnapshotResp
)

// wireMsg is the gob-encoded payload shipped over the transport's best-effort
// message side channel, explicitly permitted for "recovery snapshots" by §6.1.
type wireMsg struct {
	Kind            msgKind
	Head            int64
	Commit          int64
	End             int64
	SID             uint64
	LastEntryOffset int64
	Blob            []byte
}

// sideChannelTag marks a payload as belonging to this package's join/
// recovery exchange rather than consensus's control messages, both of which
// share the transport's single best-effort side channel (§6.1). gob matches
// fields by name across differently-named types with compatible underlying
// kinds (both wireMsg and the consensus package's controlMsg have a "Kind"
// field), so a decode-error heuristic alone can't reliably tell them apart;
// a leading tag byte checked before decoding can.
const sideChannelTag = 0xC1

func encode(m wireMsg) []byte {
	var buf bytes.Buffer
	buf.WriteByte(sideChannelTag)
	_ = gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decode(b []byte) (wireMsg, bool) {
	if len(b) == 0 || b[0] != sideChannelTag {
		return wireMsg{}, false
	}
	var m wireMsg
	if err := gob.NewDecoder(bytes.NewReader(b[1:])).Decode(&m); err != nil {
		return wireMsg{}, false
	}
	return m, true
}

// pendingWait is how Recover's goroutine blocks for a specific reply kind
// from a specific peer, fed by HandleMessage as replies arrive.
type pendingWait struct {
	peer uint8
	want msgKind
	ch   chan wireMsg
}

// Agent is both sides of §4.7: it answers peers' watermark/snapshot
// requests against its own ledger and state machine (the Responder role),
// and it drives this server's own join/recovery sequence against a chosen
// peer (the Recoverer role, via Recover).
type Agent struct {
	tr  transport.Transport
	lg  *ledger.Ledger
	sid func() types.SID
	sm  StateMachine

	pollTick time.Duration
	attempts int

	mu      sync.Mutex
	waiting []*pendingWait

	logger zerolog.Logger
}

// NewAgent builds an Agent serving lg's state and sm's snapshots over tr,
// tagging watermark replies with whatever SID sidFn reports at reply time.
// A recovery request polls for a reply every pollTick, up to attempts
// times, before giving up with ErrTimeout.
func NewAgent(tr transport.Transport, lg *ledger.Ledger, sidFn func() types.SID, sm StateMachine, pollTick time.Duration, attempts int) *Agent {
	return &Agent{
		tr:       tr,
		lg:       lg,
		sid:      sidFn,
		sm:       sm,
		pollTick: pollTick,
		attempts: attempts,
		logger:   logging.WithComponent("snapshot").With().Uint8("node", tr.Self()).Logger(),
	}
}

// HandleMessage is the callback to register via
// consensus.Machine.OnUnhandledMessage: it claims and answers join/recovery
// frames, silently ignoring anything that isn't one of this package's
// messages so other unrelated side-channel consumers remain unaffected.
func (a *Agent) HandleMessage(peer uint8, payload []byte) {
	msg, ok := decode(payload)
	if !ok {
		return
	}
	switch msg.Kind {
	case kindWatermarkReq:
		a.replyWatermark(peer)
	case kindSnapshotReq:
		a.replySnapshot(peer)
	case kindWatermarkResp, kindSnapshotResp:
		a.deliver(peer, msg)
	}
}

func (a *Agent) replyWatermark(peer uint8) {
	off := a.lg.Offsets()
	resp := wireMsg{Kind: kindWatermarkResp, Head: off.Head, Commit: off.Commit, End: off.End, SID: uint64(a.sid())}
	if err := a.tr.SendMsg(peer, encode(resp)); err != nil {
		a.logger.Warn().Err(err).Uint8("peer", peer).Msg("snapshot: watermark reply failed")
	}
}

func (a *Agent) replySnapshot(peer uint8) {
	blob, err := a.sm.Snapshot()
	if err != nil {
		a.logger.Warn().Err(err).Msg("snapshot: local Snapshot() failed")
		blob = nil
	}
	off := a.lg.Offsets()
	resp := wireMsg{Kind: kindSnapshotResp, Blob: blob, LastEntryOffset: off.Apply}
	if err := a.tr.SendMsg(peer, encode(resp)); err != nil {
		a.logger.Warn().Err(err).Uint8("peer", peer).Msg("snapshot: snapshot reply failed")
	}
}

// deliver hands msg to the first still-waiting request matching its peer
// and kind, if any.
func (a *Agent) deliver(peer uint8, msg wireMsg) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiting {
		if w.peer == peer && w.want == msg.Kind {
			a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
			w.ch <- msg
			return
		}
	}
}

// Recover runs the full §4.7 sequence against peer: watermark, snapshot
// blob, log tail, then installs everything into the ledger and state
// machine. It returns the installed watermark so the caller can resume
// normal follower operation.
func (a *Agent) Recover(peer uint8) (ledger.Offsets, error) {
	wm, err := a.request(peer, wireMsg{Kind: kindWatermarkReq}, kindWatermarkResp)
	if err != nil {
		return ledger.Offsets{}, fmt.Errorf("snapshot: watermark request: %w", err)
	}

	snap, err := a.request(peer, wireMsg{Kind: kindSnapshotReq}, kindSnapshotResp)
	if err != nil {
		return ledger.Offsets{}, fmt.Errorf("snapshot: snapshot request: %w", err)
	}
	if len(snap.Blob) > 0 {
		if err := a.sm.Restore(snap.Blob); err != nil {
			return ledger.Offsets{}, fmt.Errorf("snapshot: restore: %w", err)
		}
	}

	length := int(modSub(wm.End, wm.Head, a.lg.Capacity()))
	if length == 0 {
		if err := a.lg.Bootstrap(wm.Head, 0); err != nil {
			return ledger.Offsets{}, err
		}
		return a.lg.Offsets(), nil
	}
	raw, err := a.tr.ReadAt(peer, transport.RegionLog, wm.Head, length)
	if err != nil {
		return ledger.Offsets{}, fmt.Errorf("snapshot: log tail read: %w", err)
	}

	appliedCount, installed := a.installTail(wm.Head, raw, snap.LastEntryOffset, a.lg.Capacity())
	if err := a.lg.Bootstrap(wm.Head, appliedCount); err != nil {
		return ledger.Offsets{}, err
	}
	if installed > appliedCount {
		if err := a.lg.AdvanceCommit(installed); err != nil {
			return ledger.Offsets{}, err
		}
	}
	return a.lg.Offsets(), nil
}

// installTail decodes each sentinel-terminated entry out of raw (read
// starting at head) and installs it via WriteRaw, returning how many of the
// installed entries fall at-or-before lastEntryOffset (already folded into
// the restored snapshot, so they don't need re-applying) and how many
// entries were installed in total.
func (a *Agent) installTail(head int64, raw []byte, lastEntryOffset, capacity int64) (appliedCount, total int) {
	cursor := 0
	pos := head
	for cursor < len(raw) {
		e, ok := types.UnmarshalEntry(raw[cursor:], types.MaxServers)
		if !ok {
			break
		}
		wireLen := types.WireLen(types.MaxServers, len(e.Data))
		if cursor+wireLen > len(raw) {
			break
		}
		if pos == lastEntryOffset {
			appliedCount = total
		}
		a.lg.WriteRaw(pos, raw[cursor:cursor+wireLen])
		total++
		cursor += wireLen
		pos = (pos + int64(wireLen)) % capacity
	}
	if pos == lastEntryOffset {
		appliedCount = total
	}
	return appliedCount, total
}

// request sends msg to peer and waits for a reply of kind want from peer,
// resending every pollTick up to attempts times before giving up.
func (a *Agent) request(peer uint8, msg wireMsg, want msgKind) (wireMsg, error) {
	w := &pendingWait{peer: peer, want: want, ch: make(chan wireMsg, 1)}
	a.mu.Lock()
	a.waiting = append(a.waiting, w)
	a.mu.Unlock()
	defer a.cancelWait(w)

	ticker := time.NewTicker(a.pollTick)
	defer ticker.Stop()
	for i := 0; i < a.attempts; i++ {
		if err := a.tr.SendMsg(peer, encode(msg)); err != nil {
			return wireMsg{}, err
		}
		select {
		case reply := <-w.ch:
			return reply, nil
		case <-ticker.C:
		}
	}
	return wireMsg{}, ErrTimeout
}

func (a *Agent) cancelWait(w *pendingWait) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.waiting {
		if p == w {
			a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
			return
		}
	}
}

// modSub computes (end - head) mod capacity, treating the ring as wrapped
// when end < head (§3.3 wrap rule).
func modSub(end, head, capacity int64) int64 {
	d := end - head
	if d < 0 {
		d += capacity
	}
	return d
}
