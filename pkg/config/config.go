// Package config loads the cluster configuration file and environment-variable
// surface described in spec §6.5-§6.6, the way the teacher's cmd/warren reads
// its bootstrap flags/env before constructing a Manager.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dare-rsm/dare-core/pkg/types"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the cluster configuration file at path.
//
// Configuration-load failure is treated as fatal at startup (§9's note on the
// source's null-dereference-prone goto_config_error cleanup paths): callers
// should exit rather than attempt to run with a partially loaded config.
func Load(path string) (*types.ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &types.ClusterConfig{DareGlobalConfig: types.DefaultGlobalConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.GroupSize == 0 {
		return nil, fmt.Errorf("config: group_size is required")
	}
	if int(cfg.GroupSize) > types.MaxServers {
		return nil, fmt.Errorf("config: group_size %d exceeds max %d", cfg.GroupSize, types.MaxServers)
	}
	if len(cfg.ConsensusConfig) != int(cfg.GroupSize) {
		return nil, fmt.Errorf("config: consensus_config has %d entries, want group_size=%d",
			len(cfg.ConsensusConfig), cfg.GroupSize)
	}
	if cfg.LogSize == 0 {
		cfg.LogSize = 16 << 20 // §3.3: core spec requires L >= 16 MiB.
	}
	return cfg, nil
}

// LoadEnv reads the environment-variable surface of §6.6.
func LoadEnv() (types.EnvConfig, error) {
	var env types.EnvConfig

	idx, err := envUint("server_idx")
	if err != nil {
		return env, err
	}
	env.ServerIdx = uint8(idx)

	size, err := envUint("group_size")
	if err != nil {
		return env, err
	}
	env.GroupSize = uint32(size)

	env.ServerType = os.Getenv("server_type")
	if env.ServerType == "" {
		env.ServerType = types.ServerTypeStart
	}
	if env.ServerType != types.ServerTypeStart && env.ServerType != types.ServerTypeJoin {
		return env, fmt.Errorf("config: server_type must be %q or %q, got %q",
			types.ServerTypeStart, types.ServerTypeJoin, env.ServerType)
	}

	env.ConfigPath = firstNonEmpty(os.Getenv("config_path"), os.Getenv("cfg_path"))
	env.LogFile = os.Getenv("dare_log_file")
	env.MGID = os.Getenv("mgid")
	env.NodeID = os.Getenv("node_id")
	return env, nil
}

func envUint(name string) (uint64, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: env %s=%q is not a non-negative integer: %w", name, v, err)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
