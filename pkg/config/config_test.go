package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
group_size: 3
consensus_config:
  - ip_address: 10.0.0.1
    port: 9000
    db_name: node0
  - ip_address: 10.0.0.2
    port: 9000
    db_name: node1
  - ip_address: 10.0.0.3
    port: 9000
    db_name: node2
mgr_global_config:
  rsm: 1
  check_output: 0
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cfg.GroupSize)
	assert.Len(t, cfg.ConsensusConfig, 3)
	assert.Equal(t, "10.0.0.2:9000", cfg.ConsensusConfig[1].Addr())
	assert.EqualValues(t, 16<<20, cfg.LogSize)
	assert.Equal(t, 1, cfg.MgrGlobalConfig.RSM)
}

func TestLoadMissingGroupSize(t *testing.T) {
	path := writeTemp(t, "consensus_config: []\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMismatchedMemberCount(t *testing.T) {
	path := writeTemp(t, "group_size: 3\nconsensus_config:\n  - ip_address: 10.0.0.1\n    port: 9000\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOversizedGroup(t *testing.T) {
	path := writeTemp(t, "group_size: 17\nconsensus_config: []\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvDefaults(t *testing.T) {
	for _, k := range []string{"server_idx", "group_size", "server_type", "config_path", "cfg_path", "dare_log_file", "mgid", "node_id"} {
		t.Setenv(k, "")
	}
	t.Setenv("server_idx", "2")
	t.Setenv("group_size", "5")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.ServerIdx)
	assert.EqualValues(t, 5, env.GroupSize)
	assert.Equal(t, "start", env.ServerType)
}

func TestLoadEnvInvalidServerType(t *testing.T) {
	t.Setenv("server_type", "bogus")
	_, err := LoadEnv()
	assert.Error(t, err)
}
