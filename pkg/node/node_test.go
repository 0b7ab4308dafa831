package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func singleServerCluster(addr string) types.ClusterConfig {
	cfg := types.DefaultGlobalConfig()
	cfg.HBPeriod = 5 * time.Millisecond
	cfg.ElecTimeoutLow = 20 * time.Millisecond
	cfg.ElecTimeoutHigh = 40 * time.Millisecond
	return types.ClusterConfig{
		GroupSize:        1,
		ConsensusConfig:  []types.MemberConfig{{IPAddress: "127.0.0.1", Port: 0, DBName: "test-cluster"}},
		DareGlobalConfig: cfg,
		LogSize:          1 << 20,
	}
}

func TestNodeStartStopSingleServer(t *testing.T) {
	addr := freeAddr(t)
	n, err := New(Config{
		SelfIdx:    0,
		DataDir:    t.TempDir(),
		ListenAddr: addr,
		PeerAddrs:  map[uint8]string{},
		Cluster:    singleServerCluster(addr),
	})
	require.NoError(t, err)

	n.Start()

	require.Eventually(t, func() bool {
		return n.Role() == types.RoleLeader
	}, 2*time.Second, 5*time.Millisecond, "single-member cluster should elect itself leader")

	require.NoError(t, n.Stop())
}

func TestNodeRequestRemoveLastMemberRejected(t *testing.T) {
	addr := freeAddr(t)
	n, err := New(Config{
		SelfIdx:    0,
		DataDir:    t.TempDir(),
		ListenAddr: addr,
		PeerAddrs:  map[uint8]string{},
		Cluster:    singleServerCluster(addr),
	})
	require.NoError(t, err)
	defer n.Stop()

	n.Start()
	require.Eventually(t, func() bool {
		return n.Role() == types.RoleLeader
	}, 2*time.Second, 5*time.Millisecond, "single-member cluster should elect itself leader")

	err = n.RequestRemove(context.Background(), 0)
	require.Error(t, err, "removing the sole member must be rejected")
}

func TestNodeRequestJoinAppliesConfigEntry(t *testing.T) {
	addr := freeAddr(t)
	n, err := New(Config{
		SelfIdx:    0,
		DataDir:    t.TempDir(),
		ListenAddr: addr,
		PeerAddrs:  map[uint8]string{},
		Cluster:    singleServerCluster(addr),
	})
	require.NoError(t, err)
	defer n.Stop()

	n.Start()
	require.Eventually(t, func() bool {
		return n.Role() == types.RoleLeader
	}, 2*time.Second, 5*time.Millisecond, "single-member cluster should elect itself leader")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.RequestJoin(ctx, 1))

	require.Eventually(t, func() bool {
		cid := n.CID()
		return cid.State == types.ConfigStable && cid.IsMember(1)
	}, time.Second, 5*time.Millisecond, "new member should land in the committed CID")

	require.True(t, n.members.Current().IsMember(1), "membership.Manager should observe the same CID via applyEntry")
}

func TestNodeRecoveryInProgressBeforeAnyEntries(t *testing.T) {
	addr := freeAddr(t)
	n, err := New(Config{
		SelfIdx:    0,
		DataDir:    t.TempDir(),
		ListenAddr: addr,
		PeerAddrs:  map[uint8]string{},
		Cluster:    singleServerCluster(addr),
	})
	require.NoError(t, err)
	defer n.Stop()

	require.True(t, n.RecoveryInProgress())
}
