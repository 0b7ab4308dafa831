// Command dared runs a single DARE cluster server: it loads the cluster
// configuration file and server-index/env surface of §6.5/§6.6, wires up
// pkg/node, and serves until terminated.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dare-rsm/dare-core/pkg/config"
	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/node"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dared",
	Short: "dared runs one server of a DARE replicated-log cluster",
	Long: `dared is a leader-driven replicated-log server: it holds one slot
of a cluster's circular log, participates in SID-based leader election, and
replicates committed entries to the other configured servers over a
one-sided write transport.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dared version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this server using the env var surface of §6.6",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("data-dir", "./data", "Directory for this server's durable state (log, record store, CA)")
	startCmd.Flags().String("listen", "", "Address to listen on for peer transport traffic (defaults to the configured member's address)")
	startCmd.Flags().String("app-addr", "", "Local address to bind the captured client-facing listener on when this server is leader")
}

func runStart(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("dared: %w", err)
	}
	if env.ConfigPath == "" {
		return fmt.Errorf("dared: config_path (or cfg_path) env var is required")
	}
	cluster, err := config.Load(env.ConfigPath)
	if err != nil {
		return fmt.Errorf("dared: %w", err)
	}
	if int(env.ServerIdx) >= len(cluster.ConsensusConfig) {
		return fmt.Errorf("dared: server_idx %d out of range for group_size %d", env.ServerIdx, cluster.GroupSize)
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = cluster.ConsensusConfig[env.ServerIdx].Addr()
	}
	appAddr, _ := cmd.Flags().GetString("app-addr")

	peerAddrs := make(map[uint8]string)
	for i, m := range cluster.ConsensusConfig {
		if uint8(i) == env.ServerIdx {
			continue
		}
		peerAddrs[uint8(i)] = m.Addr()
	}

	n, err := node.New(node.Config{
		SelfIdx:    env.ServerIdx,
		DataDir:    dataDir,
		ListenAddr: listenAddr,
		PeerAddrs:  peerAddrs,
		Cluster:    *cluster,
		AppAddr:    appAddr,
		AppHandler: echoAppHandler,
		MGID:       env.MGID,
	})
	if err != nil {
		return fmt.Errorf("dared: %w", err)
	}

	if env.ServerType == types.ServerTypeJoin {
		if err := n.BeaconJoin(); err != nil {
			logging.WithComponent("dared").Debug().Err(err).Msg("discovery beacon not sent")
		}
		joinTarget, err := firstOtherMember(cluster, env.ServerIdx)
		if err != nil {
			return fmt.Errorf("dared: %w", err)
		}
		if err := n.Join(joinTarget); err != nil {
			return fmt.Errorf("dared: join recovery against server %d failed: %w", joinTarget, err)
		}
		n.Start()
		if err := n.AnnounceJoin(joinTarget); err != nil {
			return fmt.Errorf("dared: join announcement to server %d failed: %w", joinTarget, err)
		}
		logging.WithComponent("dared").Info().Uint8("server_idx", env.ServerIdx).Str("listen", listenAddr).Msg("server started")
		waitForSignal()
		return n.Stop()
	}

	n.Start()
	logging.WithComponent("dared").Info().Uint8("server_idx", env.ServerIdx).Str("listen", listenAddr).Msg("server started")

	waitForSignal()
	return n.Stop()
}

func firstOtherMember(cluster *types.ClusterConfig, self uint8) (uint8, error) {
	for i := range cluster.ConsensusConfig {
		if uint8(i) != self {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("no other configured member to join against")
}

// echoAppHandler is the default application behind a captured listener when
// no real backend is configured: it simply reflects whatever bytes a client
// sends, enough to exercise the full CONNECT/SEND/OUTPUT/CLOSE capture and
// replay path end to end.
func echoAppHandler(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
