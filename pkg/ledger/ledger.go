// Package ledger implements the circular log store of spec §3.3/§4.2
// (component B): a fixed-length byte region, remotely writable by the
// current leader, whose entries carry per-follower ack slots.
//
// The physical region is a true ring buffer exactly as §3.3 describes
// (head/commit/apply/end/tail offsets, wrap-fit rule, sentinel-terminated
// entries). Ordering and commit/apply bookkeeping, however, are kept in an
// in-memory index of currently-retained entries rather than by comparing
// wrapping byte offsets directly: spec §8's invariants are phrased in terms
// of msg_vs and commit order, not raw pointer arithmetic, and indexing by
// entry avoids the wraparound-comparison bugs that plague raw ring-pointer
// implementations translated out of C. See DESIGN.md.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dare-rsm/dare-core/pkg/types"
)

// ErrEntryTooLarge means a single entry cannot ever fit in the configured
// log capacity, even after wrapping to offset 0.
var ErrEntryTooLarge = errors.New("ledger: entry exceeds log capacity")

// ErrNotFound is returned by operations addressing an offset that is not
// (or no longer) a valid entry boundary.
var ErrNotFound = errors.New("ledger: no entry at offset")

// entryRef is the in-memory index record for one retained entry.
type entryRef struct {
	Offset    int64
	Len       int64
	Header    types.EntryHeader
	Committed bool
	Applied   bool
}

// Ledger is one server's replicated log region.
type Ledger struct {
	mu sync.Mutex

	buf []byte
	cap int64

	head int64 // oldest retained byte offset
	end  int64 // one past last appended byte
	tail int64 // offset of the last appended entry

	entries   []entryRef
	byOffset  map[int64]int // offset -> index into entries, for ack-slot writes
	applyIdx  int           // entries[:applyIdx] have been applied
	commitIdx int           // entries[:commitIdx] are committed

	selfIdx uint8
}

// New allocates a ledger of the given capacity (bytes) for server selfIdx.
func New(capacity int64, selfIdx uint8) *Ledger {
	return &Ledger{
		buf:      make([]byte, capacity),
		cap:      capacity,
		byOffset: make(map[int64]int),
		selfIdx:  selfIdx,
	}
}

// ackSlotOffset is the byte offset of follower i's ack slot within an entry;
// the ack array is the first field of the entry layout (§3.3).
func ackSlotOffset(i int) int64 { return int64(i) * ackSlotWire }

const ackSlotWire = 1 + types.HashBytes

func entryLen(payloadLen int) int64 {
	return int64(types.WireLen(types.MaxServers, payloadLen))
}

// fit reports the offset at which an entry of the given length should be
// written, applying the wrap-fit rule of §3.3: an entry is never split
// across the wrap boundary.
func (l *Ledger) fit(length int64) (int64, error) {
	if length > l.cap {
		return 0, ErrEntryTooLarge
	}
	o := l.end
	if l.cap-o < length {
		o = 0
	}
	return o, nil
}

// Append reserves space for a new entry, fills it and stamps the sentinel
// last. LEADER only (§4.2). Returns the offset the entry was written at.
func (l *Ledger) Append(header types.EntryHeader, payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(header, payload)
}

func (l *Ledger) appendLocked(header types.EntryHeader, payload []byte) (int64, error) {
	el := entryLen(len(payload))
	o, err := l.fit(el)
	if err != nil {
		return 0, err
	}
	header.DataSize = uint32(len(payload) + 1)
	e := types.Entry{
		Acks:   make([]types.AckSlot, types.MaxServers),
		Header: header,
		Data:   payload,
	}
	e.Marshal(l.buf[o : o+el])

	l.tail = o
	l.end = o + el
	if l.end == l.cap {
		l.end = 0
	}
	l.entries = append(l.entries, entryRef{Offset: o, Len: el, Header: header})
	l.byOffset[o] = len(l.entries) - 1
	return o, nil
}

// WriteRaw delivers a one-sided write of already-marshaled entry bytes at a
// specific offset, as performed by the transport layer on a follower when
// the leader pushes a new entry (§4.4.1 step 5). The index is updated so
// GetEntry/ForEachNC can see the new entry once its sentinel lands.
func (l *Ledger) WriteRaw(offset int64, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy(l.buf[offset:], data)
	if _, ok := l.byOffset[offset]; ok {
		return
	}
	hdr, ok := decodeHeader(l.buf[offset:])
	if !ok {
		return
	}
	el := int64(len(data))
	l.entries = append(l.entries, entryRef{Offset: offset, Len: el, Header: hdr})
	l.byOffset[offset] = len(l.entries) - 1
	l.tail = offset
	next := offset + el
	if next == l.cap {
		next = 0
	}
	l.end = next
}

func fixedHeaderWire() int { return types.WireLen(0, 0) - 1 }

func decodeHeader(buf []byte) (types.EntryHeader, bool) {
	e, ok := types.UnmarshalEntry(buf, types.MaxServers)
	if !ok {
		return types.EntryHeader{}, false
	}
	return e.Header, true
}

// GetEntry decodes the entry at offset, re-wrapping to 0 if a header would
// not fit there (§4.2). ok is false if no sentinel-terminated entry is
// observable yet.
func (l *Ledger) GetEntry(offset int64) (types.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getEntryLocked(offset)
}

func (l *Ledger) getEntryLocked(offset int64) (types.Entry, bool) {
	if l.cap-offset < int64(fixedHeaderWire())+1 {
		offset = 0
	}
	return types.UnmarshalEntry(l.buf[offset:], types.MaxServers)
}

// WriteAck writes a follower's acknowledgement directly into the leader's
// local copy of the entry at offset, as a one-sided write would (§4.4.2
// step 5). followerIdx is the real server index (0-based); the wire encodes
// idx+1 so 0 remains the reserved "empty" sentinel (§9).
func (l *Ledger) WriteAck(offset int64, followerIdx uint8, hash [types.HashBytes]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byOffset[offset]; !ok {
		return fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}
	slotOff := offset + ackSlotOffset(int(followerIdx))
	l.buf[slotOff] = followerIdx + 1
	copy(l.buf[slotOff+1:slotOff+1+types.HashBytes], hash[:])
	return nil
}

// ReadAckBitmap locklessly-in-spirit (we still take the mutex for memory
// safety in Go, but never block on anything else) scans the entry's ack
// slots and returns the bitmask of servers whose slot is filled, per the
// leader's busy-wait of §4.4.1 step 6.
func (l *Ledger) ReadAckBitmap(offset int64) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byOffset[offset]; !ok {
		return 0, fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}
	var mask uint32
	for i := 0; i < types.MaxServers; i++ {
		nodeID := l.buf[offset+ackSlotOffset(i)]
		if nodeID != 0 {
			mask |= 1 << uint(nodeID-1)
		}
	}
	return mask, nil
}

// Offsets returns the current head/commit/apply/end/tail offsets (§3.3).
type Offsets struct {
	Head, Commit, Apply, End, Tail int64
}

func (l *Ledger) Offsets() Offsets {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offsetsLocked()
}

func (l *Ledger) offsetsLocked() Offsets {
	commit, apply := l.head, l.head
	if l.commitIdx > 0 {
		commit = l.entryEnd(l.commitIdx - 1)
	}
	if l.applyIdx > 0 {
		apply = l.entryEnd(l.applyIdx - 1)
	}
	return Offsets{Head: l.head, Commit: commit, Apply: apply, End: l.end, Tail: l.tail}
}

func (l *Ledger) entryEnd(idx int) int64 {
	e := l.entries[idx]
	end := e.Offset + e.Len
	if end == l.cap {
		end = 0
	}
	return end
}

// Len returns the number of currently-retained entries (from head to end).
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// EntryAt returns the index-th retained entry (0 == oldest retained).
func (l *Ledger) EntryAt(index int) (types.Entry, int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.entries) {
		return types.Entry{}, 0, false
	}
	ref := l.entries[index]
	e, ok := l.getEntryLocked(ref.Offset)
	return e, ref.Offset, ok
}

// CommittedLen returns how many retained entries are committed.
func (l *Ledger) CommittedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIdx
}

// AppliedLen returns how many retained entries have been applied.
func (l *Ledger) AppliedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyIdx
}

// AdvanceCommit grows the committed prefix to n entries (n is a count, not
// an offset), enforcing head <= commit <= end via the slice bound (§4.2).
func (l *Ledger) AdvanceCommit(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < l.commitIdx || n > len(l.entries) {
		return fmt.Errorf("ledger: invalid commit advance to %d (have %d, committed %d)", n, len(l.entries), l.commitIdx)
	}
	l.commitIdx = n
	return nil
}

// ForEachNC enumerates committed-but-not-applied entries in order, calling
// fn for each; it advances the apply offset after each successful call
// (§4.2's for_each_nc).
func (l *Ledger) ForEachNC(fn func(e types.Entry, offset int64) error) error {
	for {
		l.mu.Lock()
		if l.applyIdx >= l.commitIdx {
			l.mu.Unlock()
			return nil
		}
		ref := l.entries[l.applyIdx]
		e, ok := l.getEntryLocked(ref.Offset)
		l.mu.Unlock()
		if !ok {
			return fmt.Errorf("ledger: committed entry at offset %d failed to decode", ref.Offset)
		}
		if err := fn(e, ref.Offset); err != nil {
			return err
		}
		l.mu.Lock()
		l.entries[l.applyIdx].Applied = true
		l.applyIdx++
		l.mu.Unlock()
	}
}

// Prune advances head past the oldest n retained entries, evicting them from
// the index (§4.7 log pruning). n must not exceed AppliedLen().
func (l *Ledger) Prune(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.applyIdx {
		return fmt.Errorf("ledger: cannot prune %d entries, only %d applied", n, l.applyIdx)
	}
	if n == 0 {
		return nil
	}
	l.head = l.entryEnd(n - 1)
	for i := 0; i < n; i++ {
		delete(l.byOffset, l.entries[i].Offset)
	}
	l.entries = append([]entryRef{}, l.entries[n:]...)
	l.applyIdx -= n
	l.commitIdx -= n
	for off, idx := range l.byOffset {
		l.byOffset[off] = idx - n
	}
	return nil
}

// Bootstrap installs recovery state directly, bypassing the normal
// append/commit/apply progression: it sets head to headOffset and marks the
// first n currently-retained entries (which the caller must already have
// installed via WriteRaw, in order, starting at headOffset) both committed
// and applied. Used only once, by a joining or recovering server applying a
// snapshot's watermark before resuming normal follower operation (§4.7).
func (l *Ledger) Bootstrap(headOffset int64, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		return fmt.Errorf("ledger: bootstrap n=%d exceeds %d installed entries", n, len(l.entries))
	}
	l.head = headOffset
	l.commitIdx = n
	l.applyIdx = n
	return nil
}

// Capacity returns the configured log size in bytes.
func (l *Ledger) Capacity() int64 { return l.cap }

// AckSlotOffset exposes the byte offset of follower i's ack slot relative to
// an entry's start, for callers that need to target a one-sided write at
// just that sub-region of a remote entry (§4.4.2 step 5).
func AckSlotOffset(i int) int64 { return ackSlotOffset(i) }

// AckSlotBytes marshals one follower's ack slot (node id encoded as idx+1,
// per §9's resolution of the node_id==0 ambiguity) ready to be shipped as the
// payload of a one-sided write into a remote entry's ack region.
func AckSlotBytes(followerIdx uint8, hash [types.HashBytes]byte) []byte {
	buf := make([]byte, ackSlotWire)
	buf[0] = followerIdx + 1
	copy(buf[1:], hash[:])
	return buf
}

// WriteRegion implements transport.RegionStore, letting a *Ledger be
// registered directly against a Transport as the RegionLog handler: the
// transport layer calls this on the follower side when the leader's one-sided
// write lands, with no decision logic running on this side (§3.4, §9).
func (l *Ledger) WriteRegion(addr int64, data []byte) {
	l.WriteRaw(addr, data)
}

// ReadRegion implements transport.RegionStore for the non-RDMA read
// round-trip (§9): it returns a copy of length bytes starting at addr without
// interpreting them, exactly as a real RDMA read would pull raw remote memory.
func (l *Ledger) ReadRegion(addr int64, length int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, length)
	if addr < 0 || addr >= l.cap {
		return out
	}
	n := copy(out, l.buf[addr:])
	if n < length {
		copy(out[n:], l.buf[:length-n])
	}
	return out
}
