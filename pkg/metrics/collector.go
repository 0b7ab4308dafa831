package metrics

import (
	"time"

	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/types"
)

// Source is the subset of a running server's state the collector samples on
// each tick; pkg/node's wiring type implements it.
type Source interface {
	SID() types.SID
	Role() types.Role
	CID() types.CID
	Ledger() *ledger.Ledger
	RecoveryInProgress() bool
}

// Collector periodically samples a running server's consensus/log state
// into the package-level gauges, the same ticker-driven poll-and-set shape
// as the teacher's manager-backed collector.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a metrics collector bound to source.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins sampling every period until Stop is called.
func (c *Collector) Start(period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) collect() {
	sid := c.source.SID()
	SIDTerm.Set(float64(sid.Term()))
	Role.Set(float64(c.source.Role()))

	cid := c.source.CID()
	ConfigState.Set(float64(cid.State))

	off := c.source.Ledger().Offsets()
	LogCommitOffset.Set(float64(off.Commit))
	LogApplyOffset.Set(float64(off.Apply))

	if int(cid.SizePrimary) > 0 {
		QuorumSize.Set(float64(cid.SizePrimary/2 + 1))
	}

	if c.source.RecoveryInProgress() {
		RecoveryInProgress.Set(1)
	} else {
		RecoveryInProgress.Set(0)
	}
}
