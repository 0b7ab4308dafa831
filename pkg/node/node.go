// Package node wires every subsystem of one cluster server together: the
// transport, the replicated log, the SID/role election machine and
// replication engine, joint-consensus membership, the output-divergence
// checker, the durable record store, mTLS/CA security, the captured-traffic
// interceptor, join/recovery, and metrics. It is the same role the
// teacher's pkg/manager.Manager plays for a Warren node, generalized from a
// single Raft-backed control plane to this spec's leader-driven RDMA log.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/consensus"
	"github.com/dare-rsm/dare-core/pkg/discovery"
	"github.com/dare-rsm/dare-core/pkg/divergence"
	"github.com/dare-rsm/dare-core/pkg/interceptor"
	"github.com/dare-rsm/dare-core/pkg/ledger"
	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/membership"
	"github.com/dare-rsm/dare-core/pkg/metrics"
	"github.com/dare-rsm/dare-core/pkg/recordstore"
	"github.com/dare-rsm/dare-core/pkg/security"
	"github.com/dare-rsm/dare-core/pkg/snapshot"
	"github.com/dare-rsm/dare-core/pkg/transport"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// Config bundles everything needed to stand up one server.
type Config struct {
	SelfIdx    uint8
	DataDir    string
	ListenAddr string
	PeerAddrs  map[uint8]string // peer idx -> "host:port", excluding self

	Cluster types.ClusterConfig

	// AppAddr is the local application address CONNECT/SEND entries are
	// replayed against on a follower (§4.6). The leader's own captured
	// connections are instead handed straight to AppHandler.
	AppAddr    string
	AppHandler func(net.Conn)

	// MGID overrides the discovery multicast group (§6.6 env var); empty
	// uses discovery.DefaultGroup.
	MGID string
}

// Node owns one server's full subsystem graph and its lifecycle.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	tr      transport.Transport
	lg      *ledger.Ledger
	machine *consensus.Machine
	engine  *consensus.Engine
	members *membership.Manager
	diverge *divergence.Checker
	store   *recordstore.Store
	ca      *security.CertAuthority
	sm      *security.SecretsManager
	snap    *snapshot.Agent
	sink    *interceptor.Sink
	disco   *discovery.Server

	capMu sync.Mutex
	cap   *interceptor.Capture

	collector *metrics.Collector

	discoCancel context.CancelFunc

	joinMu   sync.Mutex
	joinWait chan joinMsg

	stopCh chan struct{}
}

var _ metrics.Source = (*Node)(nil)

// New constructs a Node's subsystem graph without starting any goroutines.
// AppHandler/AppAddr may be nil/empty for tests that only exercise
// consensus/ledger behavior.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	logger := logging.WithComponent("node").With().Uint8("node", cfg.SelfIdx).Logger()

	tr, err := transport.NewTCP(cfg.SelfIdx, cfg.ListenAddr, cfg.PeerAddrs, logger)
	if err != nil {
		return nil, fmt.Errorf("node: start transport: %w", err)
	}

	logSize := cfg.Cluster.LogSize
	if logSize == 0 {
		logSize = 16 << 20
	}
	lg := ledger.New(logSize, cfg.SelfIdx)
	tr.RegisterRegion(transport.RegionLog, lg)

	initialCID := initialCIDFromCluster(cfg.Cluster)
	machine := consensus.NewMachine(cfg.SelfIdx, initialCID, tr, lg, cfg.Cluster.DareGlobalConfig)
	engine := consensus.NewEngine(cfg.SelfIdx, machine, tr, lg, cfg.Cluster.DareGlobalConfig)

	store, err := recordstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open record store: %w", err)
	}

	clusterKey := security.DeriveKeyFromClusterID(cfg.Cluster.ConsensusConfig[cfg.SelfIdx].DBName)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("node: set cluster encryption key: %w", err)
	}
	secretsManager, err := security.NewSecretsManager(clusterKey)
	if err != nil {
		return nil, fmt.Errorf("node: create secrets manager: %w", err)
	}
	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, fmt.Errorf("node: initialize CA: %w", err)
		}
	}

	diverge := divergence.NewChecker(int(cfg.Cluster.GroupSize))

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		tr:      tr,
		lg:      lg,
		machine: machine,
		engine:  engine,
		members: membership.NewManager(initialCID),
		diverge: diverge,
		store:   store,
		ca:      ca,
		sm:      secretsManager,
		stopCh:  make(chan struct{}),
	}

	n.snap = snapshot.NewAgent(tr, lg, machine.SID, n, cfg.Cluster.DareGlobalConfig.RCInfoPeriod, 50)
	machine.OnUnhandledMessage(n.dispatchUnhandled)

	n.disco = discovery.NewServer(discovery.Config{Group: cfg.MGID}, n.onDiscoveryBeacon)

	dialer := func() (net.Conn, error) {
		if cfg.AppAddr == "" {
			return nil, fmt.Errorf("node: no app address configured for replay dial")
		}
		return net.DialTimeout("tcp", cfg.AppAddr, 5*time.Second)
	}
	n.sink = interceptor.NewSink(cfg.SelfIdx, dialer, diverge)

	machine.OnBecomeLeader(n.startCapture)
	machine.OnStepDown(n.stopCapture)

	n.collector = metrics.NewCollector(n)

	return n, nil
}

func initialCIDFromCluster(c types.ClusterConfig) types.CID {
	var mask uint32
	for i := 0; i < int(c.GroupSize); i++ {
		mask |= 1 << uint(i)
	}
	return types.CID{Epoch: 1, SizePrimary: uint8(c.GroupSize), State: types.ConfigStable, Bitmask: mask, PrimaryMask: mask}
}

// Start launches every background loop: election/heartbeat timing,
// replication's ack responder, the applied-entry replay pump, the TCP
// transport's reconnect loop (every rc_info_period), discovery and the
// metrics collector. It returns immediately; use Stop to tear down.
func (n *Node) Start() {
	go n.machine.Run(n.stopCh)
	go n.engine.Start(n.stopCh)
	go n.applyLoop()
	if tcp, ok := n.tr.(*transport.TCPTransport); ok && n.cfg.Cluster.DareGlobalConfig.RCInfoPeriod > 0 {
		go tcp.ReconnectLoop(n.cfg.Cluster.DareGlobalConfig.RCInfoPeriod, n.stopCh)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.discoCancel = cancel
	go n.runDiscovery(ctx)

	n.collector.Start(time.Second)
}

// runDiscovery listens for join beacons (§6.6) until ctx is canceled by Stop.
// A member hearing a beacon currently just logs it; a full implementation
// would hand the joiner a config file over the reply address, left as a
// follow-up since cmd/darectl's config subcommands already cover that by hand.
func (n *Node) runDiscovery(ctx context.Context) {
	if err := n.disco.Start(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("node: discovery listener not started")
	}
}

func (n *Node) onDiscoveryBeacon(b discovery.Beacon, from net.Addr) {
	n.logger.Info().Str("node_id", b.NodeID).Uint8("server_idx", b.ServerIdx).
		Str("control_url", b.ControlURL).Stringer("from", from).Msg("node: discovery beacon received")
}

// BeaconJoin broadcasts one discovery beacon announcing this server, for a
// joiner that does not yet have a peer address to dial directly (§6.6).
func (n *Node) BeaconJoin() error {
	return discovery.BeaconOnce(discovery.Config{Group: n.cfg.MGID}, discovery.Beacon{
		NodeID:     n.cfg.Cluster.ConsensusConfig[n.cfg.SelfIdx].DBName,
		ServerIdx:  n.cfg.SelfIdx,
		ControlURL: n.cfg.ListenAddr,
	})
}

// applyLoop drains committed-but-unapplied entries into the interceptor
// replay sink, the follower-side half of §4.6, plus the record store for
// the CltID-keyed durable record of §6.3.
func (n *Node) applyLoop() {
	ticker := time.NewTicker(n.cfg.Cluster.DareGlobalConfig.HBPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if err := n.lg.ForEachNC(n.applyEntry); err != nil {
				n.logger.Warn().Err(err).Msg("node: apply loop error")
			}
		}
	}
}

func (n *Node) applyEntry(e types.Entry, offset int64) error {
	leaderLocal := n.machine.Role() == types.RoleLeader && e.Header.NodeID == n.cfg.SelfIdx
	switch e.Header.Type {
	case types.EntryConnect, types.EntrySend, types.EntryClose, types.EntryOutput:
		if leaderLocal {
			// The leader already applied side effects to the live connection
			// as it captured them (pkg/interceptor.Capture); replaying them
			// again here against a second dialed connection would duplicate
			// output.
			break
		}
		if err := n.sink.Apply(e); err != nil {
			n.logger.Warn().Err(err).Stringer("clt_id", e.Header.CltID).Msg("node: replay failed")
		}
	case types.EntryConfig:
		cid, err := types.DecodeCID(e.Data)
		if err != nil {
			n.logger.Warn().Err(err).Msg("node: config entry decode failed")
			break
		}
		n.members.Observe(cid)
		n.machine.SetCID(cid)
	}
	// Every committed entry's payload is kept under its own msg_vs, the
	// durable record of §6.3, independent of which entry type produced it.
	if err := n.store.StoreRecord(e.Header.MsgVS, e.Data); err != nil {
		n.logger.Warn().Err(err).Msg("node: record store write failed")
	}
	return nil
}

// startCapture is the OnBecomeLeader callback: it opens the client-facing
// listener and starts turning accepted connections into log entries.
func (n *Node) startCapture() {
	n.capMu.Lock()
	defer n.capMu.Unlock()
	if n.cfg.AppAddr == "" || n.cfg.AppHandler == nil {
		return
	}
	ln, err := net.Listen("tcp", n.cfg.AppAddr)
	if err != nil {
		n.logger.Error().Err(err).Msg("node: failed to open capture listener on becoming leader")
		return
	}
	c := interceptor.NewCapture(ln, proposerFunc(n.engine.Propose), n.engine.NextMsgVS, interceptor.Config{
		SelfIdx:        n.cfg.SelfIdx,
		CheckOutput:    n.cfg.Cluster.MgrGlobalConfig.CheckOutput != 0,
		OutputInterval: 1,
	})
	n.cap = c
	go func() {
		if err := c.Serve(n.cfg.AppHandler); err != nil {
			n.logger.Info().Err(err).Msg("node: capture listener closed")
		}
	}()
}

// stopCapture is the OnStepDown callback: a demoted leader must stop minting
// new entries from its own listener.
func (n *Node) stopCapture() {
	n.capMu.Lock()
	defer n.capMu.Unlock()
	if n.cap != nil {
		_ = n.cap.Close()
		n.cap = nil
	}
}

type proposerFunc func(ctx context.Context, header types.EntryHeader, payload []byte) (int64, error)

func (f proposerFunc) Propose(ctx context.Context, header types.EntryHeader, payload []byte) (int64, error) {
	return f(ctx, header, payload)
}

// Snapshot implements snapshot.StateMachine. It always returns an empty
// snapshot: this server's open replay endpoint map is not included (see
// Restore for why).
func (n *Node) Snapshot() ([]byte, error) {
	return nil, nil
}

// Restore implements snapshot.StateMachine. The endpoint map itself cannot
// be meaningfully restored across a process boundary (the underlying
// sockets aren't portable); a recovering server instead rebuilds it
// incrementally as CONNECT entries replay from the log tail pulled
// alongside this snapshot.
func (n *Node) Restore([]byte) error { return nil }

// Join runs this server's §4.7 recovery sequence against peer before
// resuming normal operation, installing peer's watermark, state and log
// tail into this node.
func (n *Node) Join(peer uint8) error {
	_, err := n.snap.Recover(peer)
	return err
}

// RequestJoin drives this leader through the full §4.5 join sequence for
// newIdx: propose the EXTENDED CID admitting newIdx as a non-voting member,
// then once that change is committed propose the STABLE CID that folds it
// into the primary group. Returns ErrNotLeader if this server is not
// currently leader; membership.Manager itself rejects an out-of-order call
// (e.g. a join while another change is in flight).
func (n *Node) RequestJoin(ctx context.Context, newIdx uint8) error {
	extended, err := n.members.BeginJoin(newIdx)
	if err != nil {
		return err
	}
	if err := n.proposeConfig(ctx, extended); err != nil {
		return err
	}
	stable, err := n.members.CompleteJoin(newIdx)
	if err != nil {
		return err
	}
	return n.proposeConfig(ctx, stable)
}

// RequestRemove drives this leader through the §4.5 remove sequence for idx:
// propose the TRANSIT CID requiring quorum under both the old and shrunk
// membership, then the STABLE CID over the shrunk group.
func (n *Node) RequestRemove(ctx context.Context, idx uint8) error {
	transit, err := n.members.BeginRemove(idx)
	if err != nil {
		return err
	}
	if err := n.proposeConfig(ctx, transit); err != nil {
		return err
	}
	stable, err := n.members.CompleteRemove(idx)
	if err != nil {
		return err
	}
	return n.proposeConfig(ctx, stable)
}

// proposeConfig submits cid as an EntryConfig entry, waits for it to commit,
// and then waits for this server's own applyLoop to replay it into
// membership.Manager. Every server's applyEntry re-observes cid the same
// way, both into its own membership.Manager and its consensus.Machine's
// quorum arithmetic, so the change takes effect cluster-wide in log order
// rather than the instant this leader decides it (§4.5). The second wait
// matters because BeginJoin/CompleteJoin (and their Remove counterparts)
// read membership.Manager's *applied* state, not the entry this call just
// committed: without it, a second proposeConfig call chained immediately
// after this one could still see the pre-change state and reject the
// transition it is itself waiting on.
func (n *Node) proposeConfig(ctx context.Context, cid types.CID) error {
	if _, err := n.engine.Propose(ctx, types.EntryHeader{
		MsgVS:  n.engine.NextMsgVS(),
		NodeID: n.cfg.SelfIdx,
		Type:   types.EntryConfig,
	}, cid.Encode()); err != nil {
		return err
	}
	return n.waitForObservedCID(ctx, cid)
}

// waitForObservedCID blocks until membership.Manager's locally applied CID
// matches want (compared by epoch, since Epoch strictly increases on every
// transition), or ctx is done.
func (n *Node) waitForObservedCID(ctx context.Context, want types.CID) error {
	ticker := time.NewTicker(n.cfg.Cluster.DareGlobalConfig.HBPeriod)
	defer ticker.Stop()
	for {
		if n.members.Current().Epoch >= want.Epoch {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop halts every background loop and releases resources. Idempotent is
// not guaranteed; call once.
func (n *Node) Stop() error {
	close(n.stopCh)
	n.collector.Stop()
	if n.discoCancel != nil {
		n.discoCancel()
	}
	n.stopCapture()
	if err := n.store.Close(); err != nil {
		return err
	}
	return n.tr.Close()
}

// --- metrics.Source ---

func (n *Node) SID() types.SID      { return n.machine.SID() }
func (n *Node) Role() types.Role    { return n.machine.Role() }
func (n *Node) CID() types.CID      { return n.machine.CID() }
func (n *Node) Ledger() *ledger.Ledger { return n.lg }

// RecoveryInProgress approximates "mid-join" as "the local log is empty":
// it reports true whenever this server has no entries and no committed
// entries, which includes a server of a brand-new cluster before its first
// entry. No explicit join state is tracked.
func (n *Node) RecoveryInProgress() bool {
	return n.lg.CommittedLen() == 0 && n.lg.Len() == 0
}

// DataDir exposes where this node's durable files live, for operator
// tooling (cmd/darectl) that needs to locate them without re-deriving the
// Config.
func (n *Node) DataDir() string { return filepath.Clean(n.cfg.DataDir) }
