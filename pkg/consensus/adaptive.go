package consensus

import (
	"time"

	"github.com/dare-rsm/dare-core/pkg/types"
)

// adaptiveTimeout grows the effective heartbeat timeout under sustained
// round-trip latency and shrinks it back once the network settles, the Go
// equivalent of the sample-window growth/decay logic in
// APUS/RDMA/src/dare/ev_mgr.c (§13 supplemented feature). Machine feeds it on
// every heartbeat ack and resets it on winning an election; nothing reads
// Timeout() to decide when a peer is unresponsive.
type adaptiveTimeout struct {
	base    time.Duration
	current time.Duration
	window  int
	growth  int

	samples int
	misses  int
}

func newAdaptiveTimeout(cfg types.GlobalConfig) *adaptiveTimeout {
	return &adaptiveTimeout{
		base:    cfg.HBTimeoutInitial,
		current: cfg.HBTimeoutInitial,
		window:  cfg.AdaptSampleWindow,
		growth:  cfg.AdaptGrowthPercent,
	}
}

// observe records a successful round trip of the given age, shrinking the
// timeout back toward base once a full window of healthy samples has passed.
func (a *adaptiveTimeout) observe(age time.Duration) {
	a.samples++
	if age > a.current {
		a.grow()
		return
	}
	if a.samples >= a.window {
		a.samples = 0
		a.misses = 0
		if a.current > a.base {
			a.current -= a.current / 10
			if a.current < a.base {
				a.current = a.base
			}
		}
	}
}

func (a *adaptiveTimeout) grow() {
	a.misses++
	a.current += a.current * time.Duration(a.growth) / 100
}

func (a *adaptiveTimeout) reset() {
	a.current = a.base
	a.samples = 0
	a.misses = 0
}

// Timeout returns the current adapted timeout duration.
func (a *adaptiveTimeout) Timeout() time.Duration { return a.current }
