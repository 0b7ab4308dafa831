package types

import (
	"encoding/binary"
	"fmt"
)

// EntryType is the log entry's type:u8 field (§3.3).
type EntryType uint8

const (
	EntryConnect EntryType = iota
	EntrySend
	EntryClose
	EntryOutput
	EntryNop
	EntryConfig
	EntryHead
	EntryNoop
	EntryCSM
)

func (t EntryType) String() string {
	switch t {
	case EntryConnect:
		return "CONNECT"
	case EntrySend:
		return "SEND"
	case EntryClose:
		return "CLOSE"
	case EntryOutput:
		return "OUTPUT"
	case EntryNop:
		return "NOP"
	case EntryConfig:
		return "CONFIG"
	case EntryHead:
		return "HEAD"
	case EntryNoop:
		return "NOOP"
	case EntryCSM:
		return "CSM"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Sentinel is the trailing byte that, once observed, signals that a one-sided
// write of an entry has finished landing (§3.3, §9).
const Sentinel byte = 'f'

// HashBytes is the width of an ack slot's optional opaque output hash (§3.3).
const HashBytes = 8

// AckSlot is one per-follower acknowledgement slot embedded in an entry.
// NodeID == 0 is the reserved "empty" sentinel per §9's open question: a real
// server index of 0 must never be written into ack[i].node_id to mean "acked".
// We sidestep the ambiguity by storing node indices as (idx+1) on the wire.
type AckSlot struct {
	NodeID byte // 0 == empty; otherwise real index + 1
	Hash   [HashBytes]byte
}

func (a AckSlot) Empty() bool { return a.NodeID == 0 }

// Acked returns the real node index and true if the slot is filled.
func (a AckSlot) Acked() (uint8, bool) {
	if a.NodeID == 0 {
		return 0, false
	}
	return a.NodeID - 1, true
}

const ackSlotWire = 1 + HashBytes

// MsgVS is a logical log position: {view_id, req_id}, dense within a view (§3.3).
type MsgVS struct {
	ViewID uint8
	ReqID  uint32
}

// Key returns the 8-byte little-endian concatenation used as the record-store
// key (§6.3) and as the endpoint map key (§3.5).
func (m MsgVS) Key() [8]byte {
	var k [8]byte
	binary.LittleEndian.PutUint32(k[0:4], uint32(m.ViewID))
	binary.LittleEndian.PutUint32(k[4:8], m.ReqID)
	return k
}

// Less implements the strict (view_id, req_id) lexicographic order used by the
// "up-to-date" election test and by commit ordering.
func (m MsgVS) Less(o MsgVS) bool {
	if m.ViewID != o.ViewID {
		return m.ViewID < o.ViewID
	}
	return m.ReqID < o.ReqID
}

func (m MsgVS) String() string { return fmt.Sprintf("{v%d/%d}", m.ViewID, m.ReqID) }

const msgVSWire = 1 + 4

// EntryHeader is the fixed-size prefix of a log entry (§3.3), excluding the
// variable-length ack array which is sized by the current CID's member count.
type EntryHeader struct {
	MsgVS        MsgVS
	ReqCanBeExed MsgVS
	NodeID       uint8
	DataSize     uint32 // payload length + 1 (trailing sentinel)
	Type         EntryType
	CltID        MsgVS
}

const fixedHeaderWire = msgVSWire*3 + 1 + 4 + 1

// Entry is a fully decoded log entry: header, per-peer acks and payload.
type Entry struct {
	Acks    []AckSlot // len == number of ack slots reserved for this entry
	Header  EntryHeader
	Data    []byte // payload, NOT including the trailing sentinel
	present bool
}

// WireLen returns the total byte length of the entry once marshaled, including
// the trailing sentinel (§3.3: "Entry length = sizeof(header) + data_size").
func WireLen(numAcks int, payloadLen int) int {
	return numAcks*ackSlotWire + fixedHeaderWire + payloadLen + 1
}

// Marshal encodes the entry into buf, which must be exactly WireLen(len(acks), len(data)) bytes.
// The sentinel byte is written last, satisfying the final-byte-last contract of §6.1/§9.
func (e *Entry) Marshal(buf []byte) {
	off := 0
	for _, a := range e.Acks {
		buf[off] = a.NodeID
		copy(buf[off+1:off+1+HashBytes], a.Hash[:])
		off += ackSlotWire
	}
	off = putMsgVS(buf, off, e.Header.MsgVS)
	off = putMsgVS(buf, off, e.Header.ReqCanBeExed)
	buf[off] = e.Header.NodeID
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], e.Header.DataSize)
	off += 4
	buf[off] = byte(e.Header.Type)
	off++
	off = putMsgVS(buf, off, e.Header.CltID)
	copy(buf[off:off+len(e.Data)], e.Data)
	off += len(e.Data)
	buf[off] = Sentinel // last byte, last write
}

func putMsgVS(buf []byte, off int, v MsgVS) int {
	buf[off] = v.ViewID
	binary.LittleEndian.PutUint32(buf[off+1:off+5], v.ReqID)
	return off + msgVSWire
}

func getMsgVS(buf []byte, off int) (MsgVS, int) {
	v := MsgVS{ViewID: buf[off], ReqID: binary.LittleEndian.Uint32(buf[off+1 : off+5])}
	return v, off + msgVSWire
}

// UnmarshalEntry decodes a previously-marshaled entry. numAcks must be the ack
// count the entry was written with (derived from the CID in effect when the
// offset was reserved). It returns ok=false if the sentinel byte is not yet
// 'f', meaning the one-sided write has not finished landing (§4.4.2 step 2).
func UnmarshalEntry(buf []byte, numAcks int) (Entry, bool) {
	need := numAcks*ackSlotWire + fixedHeaderWire
	if len(buf) < need+1 {
		return Entry{}, false
	}
	dataSize := binary.LittleEndian.Uint32(buf[numAcks*ackSlotWire+msgVSWire*2+1 : numAcks*ackSlotWire+msgVSWire*2+5])
	if dataSize == 0 {
		// No entry has been reserved at this offset yet (§4.4.2 step 1: "loop").
		return Entry{}, false
	}
	total := need + int(dataSize)
	if len(buf) < total {
		return Entry{}, false
	}
	if buf[total-1] != Sentinel {
		return Entry{}, false
	}

	var e Entry
	off := 0
	e.Acks = make([]AckSlot, numAcks)
	for i := 0; i < numAcks; i++ {
		e.Acks[i].NodeID = buf[off]
		copy(e.Acks[i].Hash[:], buf[off+1:off+1+HashBytes])
		off += ackSlotWire
	}
	e.Header.MsgVS, off = getMsgVS(buf, off)
	e.Header.ReqCanBeExed, off = getMsgVS(buf, off)
	e.Header.NodeID = buf[off]
	off++
	e.Header.DataSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	e.Header.Type = EntryType(buf[off])
	off++
	e.Header.CltID, off = getMsgVS(buf, off)
	payloadLen := int(e.Header.DataSize) - 1
	if payloadLen > 0 {
		e.Data = make([]byte, payloadLen)
		copy(e.Data, buf[off:off+payloadLen])
	}
	e.present = true
	return e, true
}

// Present reports whether this Entry was successfully decoded (data_size != 0
// and sentinel observed), per the follower accept loop's first two checks (§4.4.2).
func (e Entry) Present() bool { return e.present }
