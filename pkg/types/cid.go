// Package types holds the wire and configuration types shared by every other
// package: the packed SID leader/term identifier, the joint-consensus CID,
// circular-log entry headers, and the cluster configuration file's yaml shape.
package types

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// MaxServers bounds the cluster size per spec §1 Non-goals (implementations may
// assume <= 16 members).
const MaxServers = 16

// ConfigState is the joint-consensus state of a configuration (§3.2).
type ConfigState uint8

const (
	ConfigStable ConfigState = iota
	ConfigExtended
	ConfigTransit
)

func (s ConfigState) String() string {
	switch s {
	case ConfigExtended:
		return "EXTENDED"
	case ConfigTransit:
		return "TRANSIT"
	default:
		return "STABLE"
	}
}

// CID is the configuration identifier of §3.2. Bitmask is the union of every
// currently-relevant member (what IsMember tests); PrimaryMask and
// SecondaryMask separately identify the old and new member sets so
// QuorumSatisfied can require a majority under each view independently
// during EXTENDED/TRANSIT instead of collapsing both to the ack mask.
type CID struct {
	Epoch         uint64
	SizePrimary   uint8
	SizeSecondary uint8
	State         ConfigState
	Bitmask       uint32
	PrimaryMask   uint32
	SecondaryMask uint32
}

// IsMember reports whether server idx is set in the bitmask.
func (c CID) IsMember(idx uint8) bool {
	return c.Bitmask&(1<<uint(idx)) != 0
}

// WithMember returns a copy of c with bit idx set or cleared.
func (c CID) WithMember(idx uint8, present bool) CID {
	if present {
		c.Bitmask |= 1 << uint(idx)
	} else {
		c.Bitmask &^= 1 << uint(idx)
	}
	return c
}

func majority(n int) int {
	if n == 0 {
		return 0
	}
	return n/2 + 1
}

// QuorumSatisfied applies the quorum rule of §3.2 to a set of acknowledging
// members, given as a bitmask over the same index space as c.Bitmask. primaryMask
// and secondaryMask identify which bits belong to the old and new groups
// respectively; during STABLE and EXTENDED only primaryMask matters.
func (c CID) QuorumSatisfied(ackMask, primaryMask, secondaryMask uint32) bool {
	countPrimary := popcount(ackMask & primaryMask)
	switch c.State {
	case ConfigStable, ConfigExtended:
		return countPrimary >= majority(int(c.SizePrimary))
	case ConfigTransit:
		countSecondary := popcount(ackMask & secondaryMask)
		return countPrimary >= majority(int(c.SizePrimary)) &&
			countSecondary >= majority(int(c.SizeSecondary))
	default:
		return false
	}
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

func (c CID) String() string {
	return fmt.Sprintf("CID{epoch=%d primary=%d secondary=%d state=%s mask=%#x}",
		c.Epoch, c.SizePrimary, c.SizeSecondary, c.State, c.Bitmask)
}

// Encode gob-encodes c for use as an EntryConfig entry's payload (§4.5).
func (c CID) Encode() []byte {
	var buf bytes.Buffer
	// gob.NewEncoder never fails on a concrete, exported-field struct like CID.
	_ = gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

// DecodeCID reverses Encode, as applied by a follower (or the leader itself)
// replaying a committed EntryConfig entry.
func DecodeCID(payload []byte) (CID, error) {
	var c CID
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return CID{}, fmt.Errorf("types: decode CID: %w", err)
	}
	return c, nil
}
