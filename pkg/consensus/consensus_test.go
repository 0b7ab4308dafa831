package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/require"
)

func testCID() types.CID {
	return types.CID{SizePrimary: 3, State: types.ConfigStable, Bitmask: 0b111, PrimaryMask: 0b111}
}

func testCfg() types.GlobalConfig {
	return types.GlobalConfig{
		HBPeriod:           2 * time.Millisecond,
		ElecTimeoutLow:     6 * time.Millisecond,
		ElecTimeoutHigh:    12 * time.Millisecond,
		RCInfoPeriod:       time.Second,
		RetransmitPeriod:   4 * time.Millisecond,
		LogPruningPeriod:   time.Second,
		HBTimeoutInitial:   20 * time.Millisecond,
		AdaptSampleWindow:  1000,
		AdaptGrowthPercent: 10,
	}
}

type cluster struct {
	machines []*Machine
	engines  []*Engine
	ledgers  []*ledger.Ledger
	stop     chan struct{}
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	hub := transport.NewHub()
	cid := testCID()
	cfg := testCfg()
	c := &cluster{stop: make(chan struct{})}
	for i := 0; i < n; i++ {
		idx := uint8(i)
		tr := hub.NewTransport(idx)
		lg := ledger.New(1<<20, idx)
		tr.RegisterRegion(transport.RegionLog, lg)
		m := NewMachine(idx, cid, tr, lg, cfg)
		eng := NewEngine(idx, m, tr, lg, cfg)
		c.machines = append(c.machines, m)
		c.engines = append(c.engines, eng)
		c.ledgers = append(c.ledgers, lg)
		go m.Run(c.stop)
		go eng.Start(c.stop)
	}
	return c
}

func (c *cluster) close() { close(c.stop) }

func (c *cluster) leader() *Machine {
	for _, m := range c.machines {
		if m.Role() == types.RoleLeader {
			return m
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestElectsASingleLeader(t *testing.T) {
	c := newCluster(t, 3)
	defer c.close()

	require.True(t, waitFor(t, 2*time.Second, func() bool { return c.leader() != nil }))

	leaders := 0
	for _, m := range c.machines {
		if m.Role() == types.RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposeReplicatesAndCommits(t *testing.T) {
	c := newCluster(t, 3)
	defer c.close()

	require.True(t, waitFor(t, 2*time.Second, func() bool { return c.leader() != nil }))
	leader := c.leader()
	var leaderEngine *Engine
	var leaderIdx uint8
	for i, m := range c.machines {
		if m == leader {
			leaderEngine = c.engines[i]
			leaderIdx = uint8(i)
		}
	}
	require.NotNil(t, leaderEngine)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	off, err := leaderEngine.Propose(ctx, types.EntryHeader{
		MsgVS: types.MsgVS{ViewID: 1, ReqID: 1},
		Type:  types.EntrySend,
	}, []byte("payload"))
	require.NoError(t, err)

	require.True(t, waitFor(t, time.Second, func() bool {
		return c.ledgers[leaderIdx].CommittedLen() >= 1
	}))

	for i, lg := range c.ledgers {
		if uint8(i) == leaderIdx {
			continue
		}
		require.True(t, waitFor(t, time.Second, func() bool {
			e, ok := lg.GetEntry(off)
			return ok && string(e.Data) == "payload"
		}), "follower %d did not receive replicated entry", i)
	}
}

func TestNonLeaderProposeFails(t *testing.T) {
	c := newCluster(t, 3)
	defer c.close()

	var follower *Engine
	for i, m := range c.machines {
		if m.Role() != types.RoleLeader {
			follower = c.engines[i]
			break
		}
	}
	require.NotNil(t, follower)
	_, err := follower.Propose(context.Background(), types.EntryHeader{Type: types.EntryNoop}, nil)
	require.ErrorIs(t, err, ErrNotLeader)
}
