package interceptor

import "encoding/binary"

// outputPayloadLen is hash_index (8 bytes) + the rolling CRC-64 (8 bytes).
const outputPayloadLen = 16

// EncodeOutputPayload packs an OUTPUT entry's payload (§4.6: "submit an
// OUTPUT entry carrying that hash index").
func EncodeOutputPayload(hashIndex uint64, hash uint64) []byte {
	buf := make([]byte, outputPayloadLen)
	binary.LittleEndian.PutUint64(buf[0:8], hashIndex)
	binary.LittleEndian.PutUint64(buf[8:16], hash)
	return buf
}

// DecodeOutputPayload unpacks an OUTPUT entry's payload, as applied on the
// follower side (§4.6: "hand {leader_hash, my_hash, hash_index} to the
// divergence hook").
func DecodeOutputPayload(payload []byte) (hashIndex uint64, hash uint64, ok bool) {
	if len(payload) != outputPayloadLen {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(payload[0:8]), binary.LittleEndian.Uint64(payload[8:16]), true
}
