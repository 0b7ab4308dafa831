// Command darectl is the operator-facing companion to dared: it inspects a
// cluster configuration file and a running server's durable state without
// needing to attach to the server process itself.
package main

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/dare-rsm/dare-core/pkg/config"
	"github.com/dare-rsm/dare-core/pkg/recordstore"
	"github.com/dare-rsm/dare-core/pkg/security"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "darectl",
	Short:   "darectl inspects DARE cluster configuration and server state",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("darectl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(storeCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect a cluster configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Parse and print a cluster configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cluster, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("group_size: %d\n", cluster.GroupSize)
		fmt.Printf("log_size: %d bytes\n", cluster.LogSize)
		fmt.Printf("check_output: %v\n", cluster.MgrGlobalConfig.CheckOutput != 0)
		fmt.Println("members:")
		for i, m := range cluster.ConsensusConfig {
			fmt.Printf("  [%d] %s (db_name=%s)\n", i, m.Addr(), m.DBName)
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a cluster configuration file without printing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a starter cluster configuration file for a given group size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("group-size")
		basePort, _ := cmd.Flags().GetInt("base-port")
		if n <= 0 {
			return fmt.Errorf("group-size must be positive")
		}

		cluster := types.ClusterConfig{
			GroupSize:        uint32(n),
			DareGlobalConfig: types.DefaultGlobalConfig(),
		}
		for i := 0; i < n; i++ {
			cluster.ConsensusConfig = append(cluster.ConsensusConfig, types.MemberConfig{
				IPAddress: "127.0.0.1",
				Port:      uint16(basePort + i),
				DBName:    fmt.Sprintf("server-%d", i),
			})
		}

		out, err := yaml.Marshal(cluster)
		if err != nil {
			return err
		}
		return os.WriteFile(args[0], out, 0o644)
	},
}

func init() {
	configInitCmd.Flags().Int("group-size", 3, "Number of servers in the new cluster")
	configInitCmd.Flags().Int("base-port", 7000, "First server's port; subsequent servers use base-port+i")
	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect a server's durable record store and certificate authority",
}

var storeRecordsCmd = &cobra.Command{
	Use:   "records <data-dir>",
	Short: "Dump every durably stored {view_id,req_id}-keyed record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := recordstore.Open(args[0])
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.DumpRecords()
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s\t%d bytes\n", r.Key, len(r.Payload))
		}
		fmt.Printf("%d record(s)\n", len(records))
		return nil
	},
}

var storeCACmd = &cobra.Command{
	Use:   "ca <data-dir>",
	Short: "Print the server's root CA certificate, initializing one if none exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := recordstore.Open(args[0])
		if err != nil {
			return err
		}
		defer store.Close()

		ca := security.NewCertAuthority(store)
		if err := ca.LoadFromStore(); err != nil {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("darectl: initialize CA: %w", err)
			}
		}
		return pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: ca.GetRootCACert()})
	},
}

func init() {
	storeCmd.AddCommand(storeRecordsCmd, storeCACmd)
}
