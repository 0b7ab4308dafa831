// Package divergence implements the output-hash divergence hook of spec
// §6.4 (rolling 64-bit hash comparison) and the four-way decision table
// grounded on APUS/RDMA/src/dare/decision.c (§13 supplemented feature).
package divergence

import (
	"sync"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// Decision is the outcome of comparing one server's output hash for a given
// msg_vs against the hashes its peers reported.
type Decision uint8

const (
	// D0: every peer that reported a hash for this msg_vs agrees.
	D0 Decision = iota
	// D1: a strict majority agrees; the minority is flagged but not fatal.
	D1
	// D2: no hash yet commands a majority; judgment is deferred pending more reports.
	D2
	// D3: no hash can reach a majority, even counting every peer yet to
	// report; an operator decision (or server eviction) is required.
	D3
)

func (d Decision) String() string {
	switch d {
	case D0:
		return "D0_UNANIMOUS"
	case D1:
		return "D1_MAJORITY"
	case D2:
		return "D2_PENDING"
	case D3:
		return "D3_SPLIT"
	default:
		return "UNKNOWN"
	}
}

// Hook is the interface a server-specific output interpreter implements to
// let the divergence checker compare observed effects (§6.4).
type Hook interface {
	// Hash computes the comparable digest of the output produced while
	// applying entry for peer reporting.
	Hash(entry types.Entry) [types.HashBytes]byte
}

// Report is one peer's claimed hash for a given log position.
type Report struct {
	Peer uint8
	Hash [types.HashBytes]byte
}

// Checker accumulates per-msg_vs hash reports and classifies them once
// enough peers have reported, the way check_decision() walks the per-server
// hash table in decision.c.
type Checker struct {
	mu       sync.Mutex
	groupLen int
	reports  map[types.MsgVS][]Report
	logger   zerolog.Logger
}

// NewChecker creates a divergence checker for a group of groupLen members.
func NewChecker(groupLen int) *Checker {
	return &Checker{
		groupLen: groupLen,
		reports:  make(map[types.MsgVS][]Report),
		logger:   logging.WithComponent("divergence"),
	}
}

// Record adds peer's hash report for key, replacing any prior report from
// the same peer (a peer may re-report after reconnecting).
func (c *Checker) Record(key types.MsgVS, peer uint8, hash [types.HashBytes]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reports := c.reports[key]
	for i, r := range reports {
		if r.Peer == peer {
			reports[i].Hash = hash
			c.reports[key] = reports
			return
		}
	}
	c.reports[key] = append(reports, Report{Peer: peer, Hash: hash})
}

// Evaluate classifies the reports recorded so far for key per the D0-D3
// table: tally identical hashes, and compare the winning tally against the
// full group size rather than just the reports received so far, so a
// decision is never reached prematurely while peers are still silent.
func (c *Checker) Evaluate(key types.MsgVS) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	reports := c.reports[key]
	tally := make(map[[types.HashBytes]byte]int)
	for _, r := range reports {
		tally[r.Hash]++
	}

	best, second := 0, 0
	for _, count := range tally {
		if count > best {
			second = best
			best = count
		} else if count > second {
			second = count
		}
	}

	majority := c.groupLen/2 + 1
	switch {
	case len(reports) == c.groupLen && len(tally) == 1:
		return D0
	case best >= majority:
		return D1
	case best+(c.groupLen-len(reports)) < majority:
		// Even if every silent peer joined the largest block, it could not
		// reach a majority.
		return D3
	default:
		return D2
	}
}

// Forget discards all reports for key, called once its entry has been
// pruned from the log and divergence can no longer usefully be re-checked.
func (c *Checker) Forget(key types.MsgVS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reports, key)
}
